// Lectern is an academic research assistant. It drives persona-based
// workflows (explain, review, guide, research) through an iterative
// generate, score, revise loop with a token budget guard, and can also
// expose the same engine over HTTP with `lectern serve`.
package main

import (
	"os"

	"github.com/scholarlab/lectern/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
