package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/park285/cheese-lichess-bot/internal/analysis"
	"github.com/park285/cheese-lichess-bot/internal/lichess"
)

func main() {
	baseURL := os.Getenv("LICHESS_BASE_URL")
	token := os.Getenv("LICHESS_TOKEN")
	analysisURL := os.Getenv("ANALYSIS_URL")

	if baseURL == "" {
		baseURL = "https://lichess.org"
	}
	if token == "" {
		log.Fatal("LICHESS_TOKEN is required")
	}

	client := lichess.NewClient(baseURL, token, lichess.WithTimeout(8*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	acct, err := client.Account(ctx)
	if err != nil {
		log.Printf("/api/account error: %v", err)
	} else {
		log.Printf("/api/account ok: id=%s username=%s bot=%t", acct.ID, acct.Username, acct.IsBot())
	}

	// Observe the event feed for a short window
	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	stream, err := client.StreamEvents(sctx)
	if err != nil {
		log.Printf("event stream error: %v", err)
	} else {
		for {
			line, err := stream.Next(sctx)
			if err != nil {
				if !errors.Is(err, context.DeadlineExceeded) {
					log.Printf("event stream ended: %v", err)
				}
				break
			}
			ev, perr := lichess.ParseEvent(line)
			if perr != nil {
				fmt.Printf("event (undecoded) %s\n", line)
				continue
			}
			fmt.Printf("event type=%s game=%s\n", ev.Type, gameKey(ev))
		}
		_ = stream.Close()
	}

	if analysisURL == "" {
		log.Println("ANALYSIS_URL not set; skipping analysis check")
		return
	}
	actx, acancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer acancel()
	ac, err := analysis.Dial(actx, analysisURL, nil)
	if err != nil {
		log.Printf("analysis connect error: %v", err)
		return
	}
	defer ac.Close()
	reply, err := ac.Ask(actx, []string{"e4", "e5"})
	switch {
	case err != nil:
		log.Printf("analysis error: %v", err)
	case reply.Analysis != nil:
		moves := make([]string, 0, len(reply.Analysis.PVs))
		for _, pv := range reply.Analysis.PVs {
			moves = append(moves, pv.Move)
		}
		log.Printf("analysis ok: fen=%q pvs=%s", reply.Analysis.FEN, strings.Join(moves, ","))
	case reply.Status != nil:
		log.Printf("analysis status: %s", reply.Status.Status)
	case reply.Error != nil:
		log.Printf("analysis error reply: %s", reply.Error.Error)
	}
}

func gameKey(ev lichess.Event) string {
	if ev.Game != nil {
		return ev.Game.Key()
	}
	if ev.Challenge != nil {
		return "challenge:" + ev.Challenge.ID
	}
	return "-"
}
