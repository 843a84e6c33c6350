// Copyright 2021 Andrew Bates
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/creack/pty"
	"github.com/tarm/serial"

	"github.com/abates/insteond/plm"
)

func main() {
	serialPortFlag := ""
	baudFlag := 0
	flag.StringVar(&serialPortFlag, "port", "/dev/ttyUSB0", "serial port connected to a PLM")
	flag.IntVar(&baudFlag, "baud", 19200, "serial port speed")
	flag.Parse()

	s, err := serial.OpenPort(&serial.Config{Name: serialPortFlag, Baud: baudFlag})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening serial port: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	p, f, err := pty.Open()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start PTY: %v\n", err)
		os.Exit(1)
	}
	defer p.Close()
	defer f.Close()

	fmt.Fprintf(os.Stdout, "Connect intercepted application to %s\n", f.Name())

	txReader, txWriter := io.Pipe()
	rxReader, rxWriter := io.Pipe()

	rx := io.TeeReader(s, rxWriter)
	tx := io.TeeReader(p, txWriter)

	go plm.Snoop(rxReader, txReader, func(dir plm.Direction, packet *plm.Packet) {
		fmt.Fprintf(os.Stdout, "%s %v %v\n", time.Now().Format("15:04:05.000"), dir, packet)
	})

	go func() {
		io.Copy(p, rx)
		rxWriter.Close()
	}()
	io.Copy(s, tx)
	txWriter.Close()
}
