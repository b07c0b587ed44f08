package ipadapter

import "errors"

var (
	// ErrStructure means the host network does not have the layout the
	// adapter splices into.
	ErrStructure = errors.New("ipadapter: unexpected network structure")
	// ErrShape reports a count or shape mismatch in caller data or weights.
	ErrShape = errors.New("ipadapter: shape mismatch")
	// ErrInvalidImage is returned for nil or undecodable image prompts.
	ErrInvalidImage = errors.New("ipadapter: invalid image")

	ErrAlreadyInjected = errors.New("ipadapter: already injected")
	ErrNotInjected     = errors.New("ipadapter: not injected")
)
