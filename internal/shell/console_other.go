//go:build !unix

package shell

import "github.com/joeycumines/go-prompt"

func newTTYReader(string) prompt.Reader {
	return prompt.NewStdinReader()
}
