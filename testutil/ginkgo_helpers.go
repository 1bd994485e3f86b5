package testutil

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// Byf is By with formatting. Line break keeps concurrent output readable.
func Byf(format string, args ...interface{}) {
	By(fmt.Sprintf(format, args...))
	fmt.Fprintln(GinkgoWriter)
}

const maxPrintableLen = 1 << 10

// ExpectBytesEqual is cheaper than Equal for large payloads, and prints
// only first differing part on failure.
func ExpectBytesEqual(actual, expected []byte) {
	ExpectBytesEqualWithOffset(1, actual, expected)
}

func ExpectBytesEqualWithOffset(off int, actual, expected []byte) {
	off++
	if bytes.Equal(actual, expected) {
		return
	}
	if len(actual)+len(expected) <= 2*maxPrintableLen {
		ExpectWithOffset(off, actual).To(Equal(expected))
		return
	}
	ExpectWithOffset(off, len(actual)).To(Equal(len(expected)), "Lengths differ and data is too large to print.")
	i := 0
	for actual[i] == expected[i] {
		i++
	}
	end := i + maxPrintableLen
	if end > len(actual) {
		end = len(actual)
	}
	ExpectWithOffset(off, actual[i:end]).To(Equal(expected[i:end]), "First %v bytes are equal.", i)
}

// TmpFileName returns unique path of not existing file in temp dir.
func TmpFileName() string {
	name := filepath.Join(os.TempDir(), fmt.Sprintf("go_test_tmp_%v_%v", os.Getpid(), Rand.Int63()))
	_, err := os.Stat(name)
	ExpectWithOffset(1, os.IsNotExist(err)).To(BeTrue(), "%s exists", name)
	return name
}
