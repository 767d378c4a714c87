package chess

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/park285/cheese-lichess-bot/internal/chess/uci"
)

const DefaultSkillLevel = 3

// SkillEnvKeys are consulted in order; the first integer value wins.
var SkillEnvKeys = []string{"STOCKFISH_SKILL", "BOT_SKILL_LEVEL", "START_BOT_SKILL"}

// Profiles maps launcher profile names to requested skill levels. Values above
// the engine maximum are intentional and get clamped.
var Profiles = map[string]int{
	"fast":    1,
	"medium":  5,
	"strong":  20,
	"godlike": 100,
}

// Skill is a requested strength and the value actually sent to the engine.
type Skill struct {
	Requested int
	Effective int
}

// Custom reports whether the request exceeded the engine maximum.
func (s Skill) Custom() bool { return s.Requested > uci.MaxSkillLevel }

func (s Skill) String() string {
	if s.Custom() {
		return fmt.Sprintf("%d (requested %d)", s.Effective, s.Requested)
	}
	return strconv.Itoa(s.Effective)
}

// ClampSkill keeps the requested value and clamps the effective one to 0..20.
func ClampSkill(requested int) Skill {
	eff := requested
	if eff < 0 {
		eff = 0
	}
	if eff > uci.MaxSkillLevel {
		eff = uci.MaxSkillLevel
	}
	return Skill{Requested: requested, Effective: eff}
}

// ProfileSkill resolves a profile name.
func ProfileSkill(name string) (int, error) {
	v, ok := Profiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("unknown bot profile: %s", name)
	}
	return v, nil
}

// SkillFromEnv reads the first parsable skill variable. Non-integer values are
// reported through invalid and skipped.
func SkillFromEnv(lookup func(string) (string, bool)) (level int, found bool, invalid []string) {
	for _, key := range SkillEnvKeys {
		raw, ok := lookup(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			invalid = append(invalid, key)
			continue
		}
		return n, true, invalid
	}
	return 0, false, invalid
}
