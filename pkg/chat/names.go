package chat

import (
	"math/rand/v2"
	"regexp"
	"strconv"
)

var firstNames = []string{
	"Aaron", "Abigail", "Adrian", "Alice", "Amelia", "Andrew", "Annika", "Arthur",
	"Beatrice", "Benjamin", "Bianca", "Brandon", "Caleb", "Camille", "Carmen", "Cedric",
	"Charlotte", "Clara", "Connor", "Daniel", "Daphne", "Declan", "Delia", "Dominic",
	"Edgar", "Eleanor", "Elias", "Emily", "Esther", "Felix", "Fiona", "Florence",
	"Gabriel", "Gemma", "Gideon", "Grace", "Hannah", "Harvey", "Hazel", "Henry",
	"Imogen", "Ingrid", "Isaac", "Isabel", "Jasper", "Jenna", "Joanna", "Jonah",
	"Julian", "Karina", "Keegan", "Kieran", "Lachlan", "Laura", "Leonie", "Lucas",
	"Magnus", "Margot", "Marcus", "Matilda", "Nadia", "Nathan", "Nico", "Norah",
	"Oliver", "Olivia", "Oscar", "Pamela", "Patrick", "Philippa", "Quentin", "Rachel",
	"Reuben", "Rosalind", "Rowan", "Sabrina", "Samuel", "Sienna", "Simon", "Stella",
	"Tabitha", "Theodore", "Tobias", "Ursula", "Valerie", "Victor", "Vivian", "Walter",
	"Wendy", "Xavier", "Yvonne", "Zachary", "Zelda",
}

// NameGenerator produces display names for newly bound users
type NameGenerator func() string

// RandomFirstName picks a first name uniformly at random
func RandomFirstName() string {
	return firstNames[rand.IntN(len(firstNames))]
}

var nicknameStrip = regexp.MustCompile(`[^A-Za-z0-9_.]+`)

// SanitizeNickname removes every character outside [A-Za-z0-9_.]
func SanitizeNickname(s string) string {
	return nicknameStrip.ReplaceAllString(s, "")
}

var channelNameStrip = regexp.MustCompile(`[^A-Za-z0-9_.#-]+`)

// SanitizeChannelName removes every character outside [A-Za-z0-9_.#-], so
// names carry no whitespace or control characters into client tab rows
func SanitizeChannelName(s string) string {
	return channelNameStrip.ReplaceAllString(s, "")
}

// uniqueName asks gen for a name not rejected by taken, falling back to a
// numeric suffix after a few collisions.
func uniqueName(gen NameGenerator, taken func(string) bool) string {
	const attempts = 8
	name := gen()
	for i := 0; i < attempts && taken(name); i++ {
		name = gen()
	}
	if !taken(name) {
		return name
	}
	for n := 2; ; n++ {
		candidate := name + strconv.Itoa(n)
		if !taken(candidate) {
			return candidate
		}
	}
}
