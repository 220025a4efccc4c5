//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package ledger

import (
	"fmt"
	"strconv"
	"strings"
)

// String renders the address in the ledger's text form, for example
// {strandId:"BlFTjlSXze9BIh1KOszcE3",sequenceNo:14}.
func (a BlockAddress) String() string {
	return fmt.Sprintf("{strandId:%s,sequenceNo:%d}", strconv.Quote(a.StrandID), a.SequenceNo)
}

// ParseBlockAddress parses the text form of a block address. Field names may
// be bare or quoted, and fields may appear in either order.
func ParseBlockAddress(text string) (BlockAddress, error) {
	var (
		out              BlockAddress
		hasStrand, hasNo bool
	)

	body := strings.TrimSpace(text)
	if !strings.HasPrefix(body, "{") || !strings.HasSuffix(body, "}") {
		return out, fmt.Errorf("malformed block address: %q", text)
	}
	body = strings.TrimSpace(body[1 : len(body)-1])

	for body != "" {
		name, rest, ok := strings.Cut(body, ":")
		if !ok {
			return out, fmt.Errorf("malformed block address: %q", text)
		}
		name = strings.Trim(strings.TrimSpace(name), `"'`)
		rest = strings.TrimSpace(rest)

		var value string
		if strings.HasPrefix(rest, `"`) {
			end := closingQuote(rest)
			if end < 0 {
				return out, fmt.Errorf("unterminated string in block address: %q", text)
			}
			value, rest = rest[:end+1], rest[end+1:]
		} else {
			value, rest, _ = strings.Cut(rest, ",")
			rest = "," + rest
		}
		rest = strings.TrimSpace(rest)
		rest = strings.TrimSpace(strings.TrimPrefix(rest, ","))
		value = strings.TrimSpace(value)

		switch name {
		case "strandId":
			s, err := strconv.Unquote(value)
			if err != nil {
				return out, fmt.Errorf("parsing strandId: %w", err)
			}
			out.StrandID, hasStrand = s, true
		case "sequenceNo":
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return out, fmt.Errorf("parsing sequenceNo: %w", err)
			}
			out.SequenceNo, hasNo = n, true
		default:
			return out, fmt.Errorf("unexpected field in block address: %q", name)
		}
		body = rest
	}

	if !hasStrand || !hasNo {
		return out, fmt.Errorf("incomplete block address: %q", text)
	}
	return out, nil
}

// closingQuote returns the index of the quote that terminates the string
// starting at s[0], or -1.
func closingQuote(s string) int {
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			return i
		}
	}
	return -1
}
