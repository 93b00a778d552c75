package main

import (
	"strconv"

	"github.com/cockroachdb/errors"
)

// hex16 is a uint16 flag accepting decimal or 0x-prefixed hex.
type hex16 uint16

func (h *hex16) String() string {
	return "0x" + strconv.FormatUint(uint64(*h), 16)
}

func (h *hex16) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return errors.Wrapf(err, "parse %q", s)
	}
	*h = hex16(v)
	return nil
}

func (h *hex16) Type() string {
	return "uint16"
}
