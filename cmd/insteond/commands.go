package main

import (
	"context"
	"fmt"
	"os"

	"github.com/abates/cli"

	"github.com/abates/insteond/devices"
	"github.com/abates/insteond/plm"
)

var (
	channelArg stringArg
	commandArg stringArg
	traceArg   stringArg
)

func init() {
	app.SubCommand("dbinfo", cli.DescOption("print the modem link database"), cli.CallbackOption(dbinfoCmd))

	cmd := app.SubCommand("send", cli.UsageOption("<channel> <command>"), cli.DescOption("send ON, OFF, INCREASE, DECREASE, REFRESH or a percentage to a channel"), cli.CallbackOption(sendCmd))
	cmd.Arguments.Var(&channelArg, "<channel>")
	cmd.Arguments.Var(&commandArg, "<command>")

	cmd = app.SubCommand("replay", cli.UsageOption("<trace file>"), cli.DescOption("decode a recorded frame trace"), cli.CallbackOption(replayCmd))
	cmd.Arguments.Var(&traceArg, "<trace file>")
}

// connect starts a daemon without the bridge and waits for the modem
// database to be read
func connect() (*daemon, error) {
	d, err := newDaemon(cfg, false)
	if err != nil {
		return nil, err
	}

	if err = d.binding.Start(); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
		err = d.waitInitialized(ctx)
		cancel()
	}

	if err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

func dbinfoCmd(string) error {
	d, err := connect()
	if err != nil {
		return err
	}
	defer d.close()

	if info := d.binding.Transport().ModemInfo(); info != nil {
		fmt.Printf("Modem %v (devcat %v firmware %v)\n", info.Address, info.DevCat, info.Firmware)
	}

	entries := d.binding.DatabaseInfo()
	fmt.Printf("Link Database (%d entries):\n", len(entries))
	for _, entry := range entries {
		fmt.Printf("    %s\n", entry)
	}
	return nil
}

func sendCmd(string) error {
	cmd, err := devices.ParseCommand(string(commandArg))
	if err != nil {
		return err
	}

	d, err := connect()
	if err != nil {
		return err
	}
	defer d.close()

	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()
	if err := d.binding.SendCommand(ctx, string(channelArg), cmd); err != nil {
		return err
	}
	fmt.Printf("%s: %v sent\n", channelArg, cmd)
	return nil
}

func replayCmd(string) error {
	f, err := os.Open(string(traceArg))
	if err != nil {
		return err
	}
	defer f.Close()

	return plm.ReadTrace(f, func(te *plm.TraceEvent) error {
		packet, err := te.Packet()
		if err != nil {
			fmt.Printf("%s %s %-3v % x (%v)\n", te.Time.Format("15:04:05.000"), te.Session, te.Direction, te.Frame, err)
			return nil
		}
		fmt.Printf("%s %s %-3v %v\n", te.Time.Format("15:04:05.000"), te.Session, te.Direction, packet)
		return nil
	})
}
