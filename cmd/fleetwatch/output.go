package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/TheMichaelB/fleetwatch/internal/lifecycle"
)

var (
	successColor = color.New(color.FgGreen)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	mutedColor   = color.New(color.FgHiBlack)
)

func printSuccess(format string, args ...interface{}) {
	successColor.Fprintf(os.Stdout, format+"\n", args...)
}

func printError(format string, args ...interface{}) {
	errorColor.Fprintf(os.Stderr, format+"\n", args...)
}

func printWarning(format string, args ...interface{}) {
	warningColor.Fprintf(os.Stderr, format+"\n", args...)
}

func printInfo(format string, args ...interface{}) {
	infoColor.Fprintf(os.Stdout, format+"\n", args...)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
	}
}

// stateLabel renders a lifecycle state in the color of its class.
func stateLabel(c lifecycle.Classification) string {
	var col *color.Color
	switch c.Class {
	case lifecycle.ClassSuccess:
		col = successColor
	case lifecycle.ClassDanger:
		col = errorColor
	case lifecycle.ClassPending:
		col = warningColor
	default:
		col = mutedColor
	}
	return col.Sprintf("%-9s", c.State)
}
