package smtpc

import (
	"fmt"
	"strconv"
	"strings"
)

// ReplyCode represents a three-digit SMTP reply code.
// Reply codes are defined in RFC 5321 Section 4.2.
type ReplyCode int

// Reply code categories (first digit).
const (
	// ReplyPositivePreliminary (1yz) is not used by SMTP today but is
	// accepted by the parser.
	ReplyPositivePreliminary ReplyCode = 100

	// ReplyPositiveCompletion (2yz): the requested action has been completed.
	ReplyPositiveCompletion ReplyCode = 200

	// ReplyPositiveIntermediate (3yz): the command has been accepted and
	// the server waits for more information, e.g. 354 after DATA.
	ReplyPositiveIntermediate ReplyCode = 300

	// ReplyTransientNegative (4yz): the command was not accepted; the
	// condition is temporary.
	ReplyTransientNegative ReplyCode = 400

	// ReplyPermanentNegative (5yz): the command was not accepted; the
	// condition is permanent.
	ReplyPermanentNegative ReplyCode = 500
)

// Standard SMTP reply codes (RFC 5321).
const (
	Reply211SystemStatus   ReplyCode = 211
	Reply214HelpMessage    ReplyCode = 214
	Reply220ServiceReady   ReplyCode = 220
	Reply221ServiceClosing ReplyCode = 221
	Reply250OK             ReplyCode = 250
	Reply251UserNotLocal   ReplyCode = 251
	Reply252CannotVRFY     ReplyCode = 252

	Reply354StartMailInput ReplyCode = 354

	Reply421ServiceNotAvailable ReplyCode = 421
	Reply450MailboxUnavailable  ReplyCode = 450
	Reply451LocalError          ReplyCode = 451
	Reply452InsufficientStorage ReplyCode = 452

	Reply500SyntaxError           ReplyCode = 500
	Reply501SyntaxErrorParams     ReplyCode = 501
	Reply502CommandNotImplemented ReplyCode = 502
	Reply503BadSequence           ReplyCode = 503
	Reply504ParamNotImplemented   ReplyCode = 504
	Reply550MailboxUnavailable    ReplyCode = 550
	Reply551UserNotLocal          ReplyCode = 551
	Reply552ExceededStorage       ReplyCode = 552
	Reply553MailboxNameInvalid    ReplyCode = 553
	Reply554TransactionFailed     ReplyCode = 554
)

// IsPositive returns true if this is a positive (2xx or 3xx) reply code.
func (c ReplyCode) IsPositive() bool {
	return c >= 200 && c < 400
}

// IsNegative returns true if this is a negative (4xx or 5xx) reply code.
// The engine routes negative replies to the error outcome.
func (c ReplyCode) IsNegative() bool {
	return c >= 400
}

// IsTransient returns true if this is a transient (4xx) error.
func (c ReplyCode) IsTransient() bool {
	return c >= 400 && c < 500
}

// IsPermanent returns true if this is a permanent (5xx) error.
func (c ReplyCode) IsPermanent() bool {
	return c >= 500
}

// Category returns the category (first digit * 100) of this reply code.
func (c ReplyCode) Category() ReplyCode {
	return (c / 100) * 100
}

// Class returns a short label for the category, used in metrics.
func (c ReplyCode) Class() string {
	return strconv.Itoa(int(c/100)) + "xx"
}

// Reply is one decoded reply line.
type Reply struct {
	// Code is the three-digit reply code.
	Code ReplyCode

	// Message is the text after the code and separator, without the
	// line terminator. It may be empty.
	Message string

	// Continued is true when the separator was '-': more lines of the
	// same reply follow.
	Continued bool
}

// String formats the reply the way it appeared on the wire, minus CRLF.
func (r Reply) String() string {
	sep := " "
	if r.Continued {
		sep = "-"
	}
	return fmt.Sprintf("%03d%s%s", int(r.Code), sep, r.Message)
}

// EnhancedStatusCode represents an enhanced status code (RFC 3463).
// Format: class.subject.detail (e.g., 5.1.1).
type EnhancedStatusCode struct {
	Class   int
	Subject int
	Detail  int
}

// String returns the enhanced status code as a string (e.g., "2.1.0").
func (e EnhancedStatusCode) String() string {
	return fmt.Sprintf("%d.%d.%d", e.Class, e.Subject, e.Detail)
}

// Enhanced extracts a leading enhanced status code from the message, as
// sent by servers advertising ENHANCEDSTATUSCODES (RFC 2034). The class
// must agree with the first digit of the reply code.
func (r Reply) Enhanced() (EnhancedStatusCode, bool) {
	word, _, _ := strings.Cut(r.Message, " ")
	parts := strings.Split(word, ".")
	if len(parts) != 3 {
		return EnhancedStatusCode{}, false
	}
	var nums [3]int
	for i, p := range parts {
		if p == "" || len(p) > 3 {
			return EnhancedStatusCode{}, false
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return EnhancedStatusCode{}, false
		}
		nums[i] = n
	}
	if nums[0] != int(r.Code/100) {
		return EnhancedStatusCode{}, false
	}
	return EnhancedStatusCode{Class: nums[0], Subject: nums[1], Detail: nums[2]}, true
}
