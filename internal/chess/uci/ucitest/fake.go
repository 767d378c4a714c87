// Package ucitest provides a scripted UCI engine for tests. A test binary
// calls MaybeServe from TestMain and then points the engine path at
// os.Args[0] with EnvFlag set.
package ucitest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	EnvFlag     = "UCITEST_FAKE_ENGINE"
	EnvBestMove = "UCITEST_BESTMOVE"
	EnvNoSkill  = "UCITEST_NO_SKILL"
	EnvSinglePV = "UCITEST_SINGLE_PV"
	// EnvNewGameMove is played by the first search after ucinewgame.
	EnvNewGameMove = "UCITEST_NEWGAME_MOVE"
)

// MaybeServe runs the fake engine and exits when EnvFlag is set.
func MaybeServe() {
	if os.Getenv(EnvFlag) != "1" {
		return
	}
	Serve(os.Stdin, os.Stdout)
	os.Exit(0)
}

// Serve speaks a minimal UCI dialect until "quit" or EOF.
func Serve(in io.Reader, out io.Writer) {
	sc := bufio.NewScanner(in)
	w := bufio.NewWriter(out)
	say := func(format string, args ...any) {
		fmt.Fprintf(w, format+"\n", args...)
		w.Flush()
	}
	fresh := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "uci":
			say("id name ucitest")
			say("option name Threads type spin default 1 min 1 max 512")
			say("option name Hash type spin default 16 min 1 max 33554432")
			say("option name MultiPV type spin default 1 min 1 max 500")
			if os.Getenv(EnvNoSkill) != "1" {
				say("option name Skill Level type spin default 20 min 0 max 20")
			}
			say("uciok")
		case "ucinewgame":
			fresh = true
		case "isready":
			say("readyok")
		case "go":
			if idx := indexOf(fields, "searchmoves"); idx >= 0 && idx+1 < len(fields) {
				mv := fields[idx+1]
				say("info depth 1 multipv 1 score cp %d pv %s", scoreFor(mv), mv)
				say("bestmove %s", mv)
				continue
			}
			best := os.Getenv(EnvBestMove)
			if best == "" {
				best = "e2e4"
			}
			if mv := os.Getenv(EnvNewGameMove); fresh && mv != "" {
				best = mv
			}
			fresh = false
			say("info depth 1 multipv 1 score cp 35 pv %s e7e5", best)
			if os.Getenv(EnvSinglePV) != "1" {
				say("info depth 1 multipv 2 score mate 3 pv d2d4 d7d5")
			}
			say("bestmove %s", best)
		case "quit":
			return
		}
	}
}

func indexOf(fields []string, token string) int {
	for i, f := range fields {
		if f == token {
			return i
		}
	}
	return -1
}

// scoreFor gives deterministic per-move scores so ordering is testable.
func scoreFor(move string) int {
	total := 0
	for _, r := range move {
		total += int(r)
	}
	return total % 97
}
