package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/albenik/go-serial/v2"
	"golang.org/x/term"
)

// Rockchip debug UART default [RK3588 TRM|UART2 boot console].
const consoleBaudrate = 1500000

// escape byte that ends the session (Ctrl-]).
const consoleEscape = 0x1D

func consoleCommand(args []string) {
	fs := flag.NewFlagSet("console", flag.ExitOnError)
	var (
		port string
		baud int
	)
	fs.StringVar(&port, "p", "/dev/ttyUSB0", "serial port")
	fs.IntVar(&baud, "b", consoleBaudrate, "baud rate")
	fs.Parse(args)

	conn, err := serial.Open(port,
		serial.WithBaudrate(baud),
		serial.WithDataBits(8),
		serial.WithParity(serial.NoParity),
		serial.WithStopBits(serial.OneStopBit),
		serial.WithReadTimeout(100),
	)
	if err != nil {
		fatalf("open %s: %v", port, err)
	}
	defer conn.Close()

	stdin := int(os.Stdin.Fd())
	if term.IsTerminal(stdin) {
		old, err := term.MakeRaw(stdin)
		if err != nil {
			fatalf("raw mode: %v", err)
		}
		defer term.Restore(stdin, old)
	}
	fmt.Fprintf(os.Stderr, "connected to %s at %d baud, Ctrl-] to quit\r\n", port, baud)

	errc := make(chan error, 2)
	go func() { errc <- copyUntilEscape(conn, os.Stdin) }()
	go func() { errc <- pump(os.Stdout, conn) }()

	if err := <-errc; err != nil && !errors.Is(err, io.EOF) {
		fmt.Fprintf(os.Stderr, "\r\n%v\r\n", err)
	}
}

// pump copies the port to w. A read timeout yields no data and no error.
func pump(w io.Writer, r io.Reader) error {
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return err
		}
	}
}

// copyUntilEscape forwards keystrokes to w and returns nil on the escape
// byte.
func copyUntilEscape(w io.Writer, r io.Reader) error {
	buf := make([]byte, 64)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := buf[:n]
			i := bytes.IndexByte(data, consoleEscape)
			if i >= 0 {
				data = data[:i]
			}
			if _, werr := w.Write(data); werr != nil {
				return werr
			}
			if i >= 0 {
				return nil
			}
		}
		if err != nil {
			return err
		}
	}
}
