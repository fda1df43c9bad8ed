//go:build tinygo || wasm

package main

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/skills/examples/internal/host"
)

var counts = map[string]int{
	"a": 1, "an": 1, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6,
}

type roll struct {
	Dice    int   `json:"dice"`
	Sides   int   `json:"sides"`
	Results []int `json:"results"`
	Total   int   `json:"total"`
}

//export run
func run() {
	text := strings.ToLower(os.Getenv("LOQA_UTTERANCE"))
	host.Log("dice invoked: " + text)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	if strings.Contains(text, "coin") {
		side := "heads"
		if rng.Intn(2) == 1 {
			side = "tails"
		}
		host.Speak("It's " + side + ".")
		return
	}

	r := parse(os.Getenv("LOQA_ARGUMENT"))
	for i := 0; i < r.Dice; i++ {
		v := rng.Intn(r.Sides) + 1
		r.Results = append(r.Results, v)
		r.Total += v
	}
	host.Speak(describe(r))
	host.PublishJSON("loqa.voice.skill.dice.rolled", r)
}

// parse reads phrases like "two dice", "a d20" or "3 d8".
func parse(arg string) roll {
	r := roll{Dice: 1, Sides: 6}
	for _, word := range strings.Fields(arg) {
		if n, ok := counts[word]; ok {
			r.Dice = n
			continue
		}
		if strings.HasPrefix(word, "d") {
			if n, err := strconv.Atoi(word[1:]); err == nil && n > 1 {
				r.Sides = n
			}
			continue
		}
		if n, err := strconv.Atoi(word); err == nil && n > 0 && n <= 10 {
			r.Dice = n
		}
	}
	return r
}

func describe(r roll) string {
	if r.Dice == 1 {
		return fmt.Sprintf("You rolled a %d.", r.Total)
	}
	parts := make([]string, len(r.Results))
	for i, v := range r.Results {
		parts[i] = strconv.Itoa(v)
	}
	return fmt.Sprintf("You rolled %s for a total of %d.", strings.Join(parts, ", "), r.Total)
}

func main() {}
