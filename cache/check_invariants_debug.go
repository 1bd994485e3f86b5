//go:build debug
// +build debug

package cache

func (x *Index) checkInvariants() {
	if err := x.invariantsError(); err != nil {
		x.log.Panicf("Index invariants are broken: %v", err)
	}
}
