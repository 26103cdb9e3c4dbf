//go:build llama

package manager

// libllama is linked from ./bin at build time and found next to the servd
// binary at run time through an $ORIGIN rpath.

/*
#cgo LDFLAGS: -Wl,-rpath,'$ORIGIN' -L${SRCDIR}/../../bin -lllama
*/
import "C"
