package main

import (
	"fmt"
	"os"
	"strings"
)

// triState is the value shape shared by the --color and --ui flags.
type triState string

const (
	triAuto triState = "auto"
	triOn   triState = "on"
	triOff  triState = "off"
)

func readTriState(flag, value string) (triState, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "", "auto":
		return triAuto, nil
	case "on":
		return triOn, nil
	case "off":
		return triOff, nil
	default:
		return "", fmt.Errorf("invalid --%s value %q (expected auto|on|off)", flag, value)
	}
}

func shouldUseTUI(mode triState) bool {
	switch mode {
	case triOn:
		return true
	case triOff:
		return false
	default:
		return isTerminal(os.Stdout)
	}
}

func shouldColor(mode triState, f *os.File) bool {
	switch mode {
	case triOn:
		return true
	case triOff:
		return false
	default:
		return isTerminal(f)
	}
}
