// File: internal/planner/persona.go
package planner

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
)

// Persona shapes the credentials and values the planners type.
// TechSkill runs from 1 (novice) to 10 (expert).
type Persona struct {
	Name      string
	TechSkill int
}

// DefaultPersona is used when a task names none.
var DefaultPersona = Persona{Name: "default", TechSkill: 5}

// ParsePersona reads "novice", "moderate", "savvy", "name:skill" or a bare
// name (moderate skill).
func ParsePersona(s string) Persona {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultPersona
	}
	if name, skill, ok := strings.Cut(s, ":"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(skill)); err == nil {
			return Persona{Name: strings.TrimSpace(name), TechSkill: min(max(n, 1), 10)}
		}
		s = name
	}
	switch strings.ToLower(s) {
	case "novice", "beginner":
		return Persona{Name: s, TechSkill: 2}
	case "savvy", "expert", "power":
		return Persona{Name: s, TechSkill: 9}
	default:
		return Persona{Name: s, TechSkill: DefaultPersona.TechSkill}
	}
}

func (p Persona) String() string {
	return fmt.Sprintf("%s (tech skill %d/10)", p.Name, p.TechSkill)
}

var (
	firstNames = []string{
		"sarah", "mike", "jennifer", "david", "emily", "chris", "lisa", "james",
		"jessica", "michael", "ashley", "matthew", "amanda", "daniel", "ryan", "nicole",
	}
	lastNames = []string{
		"johnson", "smith", "davis", "brown", "wilson", "miller", "moore", "taylor",
		"anderson", "thomas", "jackson", "white", "harris", "martin", "garcia", "lee",
	}
	domains = []string{"gmail.com", "yahoo.com", "outlook.com", "hotmail.com"}
)

// Credentials generates sign-up details the way a person of this skill would.
type Credentials struct {
	Email    string
	Password string
}

// CredentialGenerator produces persona-flavoured credentials. A nil Rand
// uses the global source.
type CredentialGenerator struct {
	Rand *rand.Rand
}

func (g CredentialGenerator) intN(n int) int {
	if g.Rand != nil {
		return g.Rand.IntN(n)
	}
	return rand.IntN(n)
}

func (g CredentialGenerator) pick(xs []string) string { return xs[g.intN(len(xs))] }

// Email returns a plausible address for p.
func (g CredentialGenerator) Email(p Persona) string {
	first, last := g.pick(firstNames), g.pick(lastNames)
	suffix := 10 + g.intN(990)
	switch {
	case p.TechSkill <= 3:
		return fmt.Sprintf("%s%d@%s", first, suffix, g.pick(domains))
	case p.TechSkill <= 7:
		return fmt.Sprintf("%s.%s@%s", first, last, g.pick(domains))
	default:
		return fmt.Sprintf("%s.%s+test%d@gmail.com", first, last, suffix)
	}
}

// Password returns a password whose strength follows p's skill.
func (g CredentialGenerator) Password(p Persona) string {
	n := 1000 + g.intN(9000)
	switch {
	case p.TechSkill <= 3:
		return "password123"
	case p.TechSkill <= 7:
		return fmt.Sprintf("TestPass%d!", n)
	default:
		return fmt.Sprintf("SecureP@ss%d!#", n)
	}
}

// For returns a fresh email and password for p.
func (g CredentialGenerator) For(p Persona) Credentials {
	return Credentials{Email: g.Email(p), Password: g.Password(p)}
}
