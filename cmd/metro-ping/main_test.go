package main

import (
	"bytes"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/metro-ping/internal/session"
	"github.com/postalsys/metro-ping/internal/stats"
)

func TestPrinterReply(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{out: &buf}

	p.Reply(session.Reply{
		Bytes:     64,
		From:      netip.MustParseAddr("192.0.2.1"),
		Seq:       3,
		TTL:       57,
		RTTMillis: 12.5,
	})

	want := "64 bytes from 192.0.2.1: icmp_seq=3 ttl=57 time=12.500 ms\n"
	if got := buf.String(); got != want {
		t.Errorf("reply line = %q, want %q", got, want)
	}
}

func TestPrinterReplyUnknownTTL(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{out: &buf}

	p.Reply(session.Reply{
		Bytes:     64,
		From:      netip.MustParseAddr("192.0.2.1"),
		Seq:       1,
		TTL:       -1,
		RTTMillis: 0.8,
	})

	got := buf.String()
	if strings.Contains(got, "ttl=") {
		t.Errorf("reply line should omit ttl when unknown: %q", got)
	}
	if !strings.Contains(got, "time=0.800 ms") {
		t.Errorf("reply line missing rtt: %q", got)
	}
}

func TestPrinterTimeout(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{out: &buf}

	p.Timeout(5)

	if got := buf.String(); got != "Request timed out\n" {
		t.Errorf("timeout line = %q", got)
	}
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, "example.com", stats.Report{
		Transmitted: 4,
		Received:    3,
		Lost:        1,
		LossPercent: 25,
		Elapsed:     4200 * time.Millisecond,
		HasRTT:      true,
		MinMS:       10.1,
		AvgMS:       12.5,
		MaxMS:       15.9,
		MdevMS:      2.3,
	})

	got := buf.String()
	for _, want := range []string{
		"--- example.com ping statistics ---",
		"4 packets transmitted, 3 received, 1 lost, 25.00% packet loss, time 4.200s",
		"rtt min/avg/max/mdev = 10.100/12.500/15.900/2.300 ms",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("report missing %q:\n%s", want, got)
		}
	}
}

func TestPrintReportNoReplies(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, "example.com", stats.Report{
		Transmitted: 2,
		Received:    0,
		Lost:        2,
		LossPercent: 100,
		Elapsed:     10 * time.Second,
	})

	got := buf.String()
	if !strings.Contains(got, "100.00% packet loss") {
		t.Errorf("report missing loss line:\n%s", got)
	}
	if !strings.Contains(got, "rtt min/avg/max/mdev unavailable") {
		t.Errorf("report should note missing rtt data:\n%s", got)
	}
}

func TestRootCmdRejectsMissingHost(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error when no host argument is given")
	}
}

func TestRootCmdRejectsInvalidInterval(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--interval", "0s", "localhost"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected a validation error for a zero interval")
	}
}
