//go:build !cgo

package modules

func newDefaultParser() fileParser {
	return lineParser{}
}
