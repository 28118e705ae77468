package cmd

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

func parseUint32(s string) (uint32, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return uint32(n), nil
}

func parseHexData(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", "0x", "").Replace(s)
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}

func okFail(err error) string {
	if err != nil {
		return red("FAIL") + " (" + err.Error() + ")"
	}
	return green("OK")
}

func allowed(id uint32, ids []uint32) bool {
	if len(ids) == 0 {
		return true
	}
	for _, i := range ids {
		if i == id {
			return true
		}
	}
	return false
}
