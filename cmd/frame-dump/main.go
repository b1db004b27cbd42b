// frame-dump decodes router wire frames for debugging. It accepts a hex
// string as an argument, or raw frame bytes from a file or stdin, and prints
// the header and what it knows about the payload.
package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/nforgeio/LillTek-sub012/internal/message"
)

func main() {
	data, err := readInput(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "frame-dump: %v\n", err)
		fmt.Fprintln(os.Stderr, "Usage: frame-dump <hex> | frame-dump --file <path> | ... | frame-dump")
		os.Exit(1)
	}

	reg := message.DefaultRegistry()
	message.RegisterBuiltins(reg)

	n := 0
	for len(data) > 0 {
		frameLen, err := message.FrameLen(data)
		if err != nil {
			fmt.Printf("=== trailing %d bytes: %v ===\n", len(data), err)
			os.Exit(1)
		}
		n++
		fmt.Printf("=== frame %d (%d bytes) ===\n", n, frameLen)
		dumpFrame(data[:frameLen], reg)
		data = data[frameLen:]
		fmt.Println()
	}
	fmt.Printf("Total frames: %d\n", n)
}

func readInput(args []string) ([]byte, error) {
	switch {
	case len(args) >= 2 && args[0] == "--file":
		return os.ReadFile(args[1])
	case len(args) >= 1:
		s := strings.Map(func(r rune) rune {
			if r == ' ' || r == '\n' || r == '\t' {
				return -1
			}
			return r
		}, args[0])
		return hex.DecodeString(s)
	default:
		return io.ReadAll(os.Stdin)
	}
}

func dumpFrame(frame []byte, reg *message.Registry) {
	m, err := message.Decode(frame, reg)
	if err != nil {
		fmt.Printf("  decode error: %v\n", err)
		fmt.Printf("  raw: %s\n", hex.EncodeToString(frame))
		return
	}

	h := m.Header()
	fmt.Printf("  type:    %s", m.TypeID())
	if message.IsEnvelope(m) {
		fmt.Printf(" (unregistered, envelope)")
	}
	fmt.Println()
	fmt.Printf("  version: %d  ttl: %d\n", h.Version, h.TTL)
	fmt.Printf("  flags:   0x%08x%s\n", uint32(h.Flags), flagNames(h.Flags))
	if h.To != nil {
		fmt.Printf("  to:      %s\n", h.To)
	}
	if h.From != nil {
		fmt.Printf("  from:    %s\n", h.From)
	}
	if h.Receipt != nil {
		fmt.Printf("  receipt: %s\n", h.Receipt)
	}
	if h.MsgID != uuid.Nil {
		fmt.Printf("  msg_id:  %s\n", h.MsgID)
	}
	if h.SessionID != uuid.Nil {
		fmt.Printf("  session: %s\n", h.SessionID)
	}
	if len(h.SecurityToken) > 0 {
		fmt.Printf("  token:   %d bytes\n", len(h.SecurityToken))
	}
	for _, ext := range h.Ext {
		fmt.Printf("  ext[%d]:  %d bytes\n", ext.ID, len(ext.Content))
	}

	switch sys := m.(type) {
	case *message.ReceiptMsg:
		fmt.Printf("  ref_id:  %s\n", sys.RefID)
	case *message.RouterAdvertiseMsg:
		fmt.Printf("  set_id:  %s\n", sys.SetID)
		for _, k := range sortedKeys(sys.Pairs) {
			fmt.Printf("  pair:    %s=%s\n", k, sys.Pairs[k])
		}
	case *message.AckMsg:
		for _, k := range sortedKeys(sys.Properties) {
			fmt.Printf("  prop:    %s=%s\n", k, sys.Properties[k])
		}
	case *message.SessionCancelMsg:
		fmt.Printf("  reason:  %s\n", sys.Reason)
	case *message.BlobMsg:
		fmt.Printf("  data:    %d bytes\n", len(sys.Data))
	default:
		if payload, err := m.MarshalPayload(); err == nil {
			fmt.Printf("  payload: %d bytes\n", len(payload))
		}
	}
}

func flagNames(f message.Flag) string {
	named := []struct {
		bit  message.Flag
		name string
	}{
		{message.FlagMsgID, "msg-id"},
		{message.FlagSessionID, "session-id"},
		{message.FlagBroadcast, "broadcast"},
		{message.FlagOpenSession, "open-session"},
		{message.FlagServerSession, "server-session"},
		{message.FlagReceiptRequest, "receipt-request"},
		{message.FlagPriority, "priority"},
		{message.FlagExtHeaders, "ext-headers"},
		{message.FlagClosestRoute, "closest-route"},
		{message.FlagSecurityToken, "security-token"},
		{message.FlagKeepSessionID, "keep-session-id"},
	}
	var names []string
	for _, n := range named {
		if f&n.bit != 0 {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return ""
	}
	return " (" + strings.Join(names, ",") + ")"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
