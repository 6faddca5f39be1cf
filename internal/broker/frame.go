// frame.go parses the KIS realtime wire format.
//
// Inbound WebSocket messages are either system JSON (subscribe acks,
// PINGPONG) or a pipe-delimited realtime frame:
//
//	flag|tr_id|count|payload
//
// where flag "0" is plaintext and "1" means the payload is AES-CBC
// encrypted with the key/iv delivered on the channel's subscribe ack.
// The payload itself is caret("^")-delimited fields; multi-record frames
// concatenate `count` records back to back.
package broker

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"stockbot/pkg/types"
)

// RealtimeFrame is one decoded realtime message before channel-specific
// interpretation.
type RealtimeFrame struct {
	Encrypted bool
	TrID      string
	Count     int
	Fields    []string // caret-split payload fields, all records flattened
}

// ParseRealtimeFrame splits a pipe-delimited frame. The caller decrypts
// the payload first when Encrypted is set.
func ParseRealtimeFrame(raw string) (*RealtimeFrame, error) {
	parts := strings.SplitN(raw, "|", 4)
	if len(parts) != 4 {
		return nil, fmt.Errorf("realtime frame: want 4 segments, got %d", len(parts))
	}
	if parts[0] != "0" && parts[0] != "1" {
		return nil, fmt.Errorf("realtime frame: bad flag %q", parts[0])
	}
	count, err := strconv.Atoi(parts[2])
	if err != nil || count < 1 {
		return nil, fmt.Errorf("realtime frame: bad count %q", parts[2])
	}
	return &RealtimeFrame{
		Encrypted: parts[0] == "1",
		TrID:      parts[1],
		Count:     count,
		Fields:    strings.Split(parts[3], "^"),
	}, nil
}

// Execution frame field indices (caret-delimited, 0-based).
const (
	execFieldAccountNo  = 1
	execFieldOrderID    = 2
	execFieldSideCode   = 4
	execFieldSymbol     = 8
	execFieldExecQty    = 9
	execFieldExecPrice  = 10
	execFieldExecTime   = 11
	execFieldRejectYn   = 12
	execFieldCngtYn     = 13
	execFieldOrderQty   = 16
	execFieldOrderPrice = 25

	execFieldMin = 26 // minimum field count for a usable execution record
)

// ExecutionNotice is a parsed execution-channel record. CngtYn "2" marks
// an actual fill; "1" is only the broker accepting the order.
type ExecutionNotice struct {
	AccountNo  string
	OrderID    string
	Symbol     string
	Side       types.Side
	ExecQty    int64
	ExecPrice  float64
	ExecTime   string // HHMMSS
	Rejected   bool
	CngtYn     string
	OrderQty   int64
	OrderPrice float64
}

// Fill reports whether the notice is a completed execution.
func (n ExecutionNotice) Fill() bool { return n.CngtYn == "2" && !n.Rejected }

// FillEvent converts the notice into the typed event consumed by the
// order execution manager. The exec timestamp combines today's date with
// the frame's HHMMSS clock.
func (n ExecutionNotice) FillEvent(now time.Time) types.FillEvent {
	ts := now
	if len(n.ExecTime) == 6 {
		h, _ := strconv.Atoi(n.ExecTime[0:2])
		m, _ := strconv.Atoi(n.ExecTime[2:4])
		s, _ := strconv.Atoi(n.ExecTime[4:6])
		ts = time.Date(now.Year(), now.Month(), now.Day(), h, m, s, 0, now.Location())
	}
	return types.FillEvent{
		OrderID:   n.OrderID,
		Symbol:    n.Symbol,
		Side:      n.Side,
		ExecQty:   n.ExecQty,
		ExecPrice: n.ExecPrice,
		ExecTs:    ts,
		Rejected:  n.Rejected,
		AccountNo: n.AccountNo,
	}
}

// ParseExecutionNotice interprets an execution-channel field slice.
func ParseExecutionNotice(fields []string) (*ExecutionNotice, error) {
	if len(fields) < execFieldMin {
		return nil, fmt.Errorf("execution frame: want >= %d fields, got %d", execFieldMin, len(fields))
	}

	side := types.SELL
	if fields[execFieldSideCode] == "02" {
		side = types.BUY
	}

	return &ExecutionNotice{
		AccountNo:  fields[execFieldAccountNo],
		OrderID:    fields[execFieldOrderID],
		Symbol:     fields[execFieldSymbol],
		Side:       side,
		ExecQty:    atoi(fields[execFieldExecQty]),
		ExecPrice:  atof(fields[execFieldExecPrice]),
		ExecTime:   fields[execFieldExecTime],
		Rejected:   fields[execFieldRejectYn] == "Y",
		CngtYn:     fields[execFieldCngtYn],
		OrderQty:   atoi(fields[execFieldOrderQty]),
		OrderPrice: atof(fields[execFieldOrderPrice]),
	}, nil
}

// Trade-channel field indices for H0STCNT0 frames.
const (
	tradeFieldSymbol    = 0
	tradeFieldPrice     = 2
	tradeFieldChangeRt  = 5
	tradeFieldOpen      = 7
	tradeFieldHigh      = 8
	tradeFieldLow       = 9
	tradeFieldVolume    = 13

	tradeFieldMin = 14
)

// ParseTradeTick interprets a trade-channel field slice into a Quote.
// PrevClose is derived from price and change rate since the frame does
// not carry it directly.
func ParseTradeTick(fields []string, now time.Time) (*types.Quote, error) {
	if len(fields) < tradeFieldMin {
		return nil, fmt.Errorf("trade frame: want >= %d fields, got %d", tradeFieldMin, len(fields))
	}

	last := atof(fields[tradeFieldPrice])
	changeRt := atof(fields[tradeFieldChangeRt])
	var prevClose float64
	if changeRt != 0 {
		prevClose = last / (1 + changeRt/100)
	} else {
		prevClose = last
	}

	return &types.Quote{
		Symbol:    fields[tradeFieldSymbol],
		Last:      last,
		Open:      atof(fields[tradeFieldOpen]),
		High:      atof(fields[tradeFieldHigh]),
		Low:       atof(fields[tradeFieldLow]),
		PrevClose: prevClose,
		Volume:    atoi(fields[tradeFieldVolume]),
		Ts:        now,
		Source:    "ws",
	}, nil
}

// ParseBookFrame interprets a book-channel field slice. The frame lays
// out ask prices [3..12], bid prices [13..22], ask quantities [23..32],
// bid quantities [33..42], then totals.
func ParseBookFrame(fields []string, now time.Time) (*types.Orderbook, error) {
	if len(fields) < 45 {
		return nil, fmt.Errorf("book frame: want >= 45 fields, got %d", len(fields))
	}

	book := &types.Orderbook{Symbol: fields[0], Ts: now}
	for i := 0; i < types.BookDepth; i++ {
		book.Asks[i] = types.BookLevel{Price: atof(fields[3+i]), Qty: atoi(fields[23+i])}
		book.Bids[i] = types.BookLevel{Price: atof(fields[13+i]), Qty: atoi(fields[33+i])}
	}
	book.TotalAskQty = atoi(fields[43])
	book.TotalBidQty = atoi(fields[44])
	return book, nil
}

// DecryptPayload decrypts an AES-CBC encrypted payload using the key/iv
// learned from the channel's subscribe acknowledgement.
func DecryptPayload(encoded string, key, iv []byte) (string, error) {
	if len(key) == 0 || len(iv) == 0 {
		return "", fmt.Errorf("decrypt: no key material yet")
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decrypt: base64: %w", err)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return "", fmt.Errorf("decrypt: ciphertext length %d not a block multiple", len(data))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, data)

	// strip PKCS#7 padding
	pad := int(plain[len(plain)-1])
	if pad < 1 || pad > aes.BlockSize || pad > len(plain) {
		return "", fmt.Errorf("decrypt: bad padding %d", pad)
	}
	if !bytes.Equal(plain[len(plain)-pad:], bytes.Repeat([]byte{byte(pad)}, pad)) {
		return "", fmt.Errorf("decrypt: inconsistent padding")
	}
	return string(plain[:len(plain)-pad]), nil
}
