package main

import (
	"bytes"
	"io"

	"github.com/dimiro1/banner"
)

const version = "dev"

func printBanner(out io.Writer, color bool) {
	tpl := "{{ .Title \"voice-capture\" \"\" 0 }}\nVersion: " + version + "\n"
	banner.Init(out, true, color, bytes.NewBufferString(tpl))
}
