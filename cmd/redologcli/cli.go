// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/codegangsta/cli"
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/redolog/pkg/redolog"
	"github.com/westerndigitalcorporation/redolog/pkg/redolog/dblog"
)

var usage = `
	redologcli inspects redo logs offline: the active log of a file backend,
	its archives, or the database of a db backend.

		redologcli header <log>
		redologcli dump [--payload] [--mailbox <id>] <log>
		redologcli dump --db <database>
		redologcli archives <dir>
		redologcli verify <log>
	`

// logCli holds what the commands share.
type logCli struct {
	out io.Writer
}

func newApp(out io.Writer) *cli.App {
	l := &logCli{out: out}
	app := cli.NewApp()
	app.Name = "redologcli"
	app.Usage = usage

	mailboxFlag := cli.IntFlag{
		Name:  "mailbox, m",
		Usage: "only print records of this mailbox (default: all)",
		Value: -1,
	}
	payloadFlag := cli.BoolFlag{
		Name:  "payload, p",
		Usage: "print payloads as well",
	}
	dbFlag := cli.BoolFlag{
		Name:  "db",
		Usage: "the argument is the database of a db backend",
	}

	app.Commands = []cli.Command{
		{
			Name:   "header",
			Usage:  "Prints the header of a log.",
			Action: l.cmdHeader,
		},
		{
			Name:    "dump",
			Aliases: []string{"d"},
			Usage:   "Prints the records of a log.",
			Flags:   []cli.Flag{mailboxFlag, payloadFlag, dbFlag},
			Action:  l.cmdDump,
		},
		{
			Name:   "archives",
			Usage:  "Lists the archived logs in a directory and any gaps in their sequence.",
			Action: l.cmdArchives,
		},
		{
			Name:   "verify",
			Usage:  "Reads a log to the end and reports corruption or a torn tail.",
			Action: l.cmdVerify,
		},
	}
	return app
}

func argument(c *cli.Context, what string) (string, error) {
	if c.NArg() != 1 {
		return "", cli.NewExitError(fmt.Sprintf("%s: expected exactly one %s", c.Command.Name, what), 2)
	}
	return c.Args().First(), nil
}

func formatTime(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.Unix(0, ms*int64(time.Millisecond)).UTC().Format(time.RFC3339Nano)
}

func (l *logCli) printHeader(h *redolog.Header) {
	fmt.Fprintf(l.out, "sequence:    %d\n", h.Sequence)
	fmt.Fprintf(l.out, "server:      %s\n", h.ServerID)
	fmt.Fprintf(l.out, "version:     %s\n", h.Version)
	fmt.Fprintf(l.out, "open:        %t\n", h.Open)
	fmt.Fprintf(l.out, "size:        %d\n", h.FileSize)
	fmt.Fprintf(l.out, "created:     %s\n", formatTime(h.CreateTime))
	fmt.Fprintf(l.out, "first op:    %s\n", formatTime(h.FirstOpTstamp))
	fmt.Fprintf(l.out, "last op:     %s\n", formatTime(h.LastOpTstamp))
}

func (l *logCli) printRecord(r redolog.Record, payload bool) {
	fmt.Fprintf(l.out, "%d\tmailbox=%d\top=%s\ttxn=%s\tsubmit=%d\tbytes=%d\n",
		r.Timestamp, r.MailboxID, r.Type, r.TxnID, r.SubmitTime, len(r.Payload))
	if payload {
		fmt.Fprintf(l.out, "\t%q\n", r.Payload)
	}
}

func (l *logCli) cmdHeader(c *cli.Context) error {
	path, err := argument(c, "log")
	if err != nil {
		return err
	}
	r, err := redolog.OpenFileLogReader(path)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer r.Close()
	l.printHeader(r.Header())
	return nil
}

func (l *logCli) cmdDump(c *cli.Context) error {
	path, err := argument(c, "log")
	if err != nil {
		return err
	}
	mailbox := c.Int("mailbox")
	payload := c.Bool("payload")
	var n int
	emit := func(r redolog.Record) error {
		if mailbox >= 0 && int(r.MailboxID) != mailbox {
			return nil
		}
		l.printRecord(r, payload)
		n++
		return nil
	}

	if c.Bool("db") {
		// Opening marks the database open; Close marks it closed again.
		w := dblog.NewWriter(dblog.Config{Path: path})
		if err := w.Open(); err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		err := w.Replay(emit)
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
	} else {
		r, err := redolog.OpenFileLogReader(path)
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		for r.Next() {
			emit(r.Record())
		}
		if err := r.Close(); err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
	}
	log.V(1).Infof("printed %d records", n)
	return nil
}

func (l *logCli) cmdArchives(c *cli.Context) error {
	dir, err := argument(c, "directory")
	if err != nil {
		return err
	}
	archives, err := redolog.ListArchives(dir)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	for _, a := range archives {
		fmt.Fprintf(l.out, "%d\t%s\t%s\n", a.Sequence, a.CreateTime.UTC().Format(time.RFC3339), a.Path)
	}
	if missing := redolog.MissingSequences(archives); len(missing) > 0 {
		fmt.Fprintf(l.out, "missing sequences: %v\n", missing)
		return cli.NewExitError("archive series has gaps", 1)
	}
	return nil
}

func (l *logCli) cmdVerify(c *cli.Context) error {
	path, err := argument(c, "log")
	if err != nil {
		return err
	}
	r, err := redolog.OpenFileLogReader(path)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	var n int
	for r.Next() {
		n++
	}
	h := r.Header()
	end := r.Offset()
	torn := r.Torn()
	if err := r.Close(); err != nil {
		fmt.Fprintf(l.out, "%s: corrupt after %d records at offset %d: %v\n", path, n, end, err)
		return cli.NewExitError("log is corrupt", 1)
	}
	fmt.Fprintf(l.out, "%s: sequence %d, %d records, %d bytes\n", path, h.Sequence, n, end)
	if torn {
		fmt.Fprintf(l.out, "%s: torn final record after offset %d\n", path, end)
	}
	if !h.Open && h.FileSize != end {
		fmt.Fprintf(l.out, "%s: header says %d bytes but records end at %d\n", path, h.FileSize, end)
		return cli.NewExitError("size mismatch", 1)
	}
	return nil
}
