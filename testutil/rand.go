package testutil

import (
	"math/rand"

	"github.com/google/gofuzz"
	. "github.com/onsi/ginkgo"
)

// RandSource is seeded by ginkgo, so failed run can be reproduced with -ginkgo.seed flag.
var RandSource = rand.NewSource(GinkgoRandomSeed())
var Rand = rand.New(RandSource)

// Fuzzer never produces nil values. Generated slices have up to 256 elements.
var Fuzzer = fuzz.New().RandSource(RandSource).NilChance(0).NumElements(0, 256)
var Fuzz = Fuzzer.Fuzz

// RandBytes returns size random bytes.
func RandBytes(size int) []byte {
	p := make([]byte, size)
	Rand.Read(p)
	return p
}

// FastRand reader fills data with cheap non constant pattern. Use it for large
// payloads, where content quality doesn't matter.
var FastRand = fastRandReader{}

type fastRandReader struct{}

func (fastRandReader) Read(p []byte) (int, error) {
	seed := byte(Rand.Int())
	for i := range p {
		p[i] = seed + byte(i*7)
	}
	return len(p), nil
}
