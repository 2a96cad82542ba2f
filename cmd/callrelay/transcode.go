package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/MrWong99/callrelay/pkg/audio"
)

// runTranscode converts one raw audio file, mainly to check the transcoder
// setup and listen to what a provider would receive.
func runTranscode(c audio.Converter, in, from, to, out string) int {
	inFmt, err := audio.ParseFormat(from)
	if err != nil {
		fmt.Fprintf(os.Stderr, "callrelay: -from: %v\n", err)
		return 2
	}
	outFmt, err := audio.ParseFormat(to)
	if err != nil {
		fmt.Fprintf(os.Stderr, "callrelay: -to: %v\n", err)
		return 2
	}

	data, err := os.ReadFile(in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "callrelay: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	converted, err := c.Convert(ctx, data, inFmt, outFmt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "callrelay: transcode: %v\n", err)
		return 1
	}

	if out == "" {
		_, err = os.Stdout.Write(converted)
	} else {
		err = os.WriteFile(out, converted, 0o644)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "callrelay: write output: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "callrelay: %s → %s, %d → %d bytes (%s)\n", inFmt, outFmt, len(data), len(converted), inFmt.Duration(len(data)))
	return 0
}
