package sip

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

const (
	RFC3261BranchMagicCookie = "z9hG4bK"
)

var (
	SIPDebug  bool
	siptracer SIPTracer
)

type SIPTracer interface {
	SIPTraceRead(transport string, laddr string, raddr string, sipmsg []byte)
	SIPTraceWrite(transport string, laddr string, raddr string, sipmsg []byte)
}

func SIPDebugTracer(t SIPTracer) {
	siptracer = t
}

func logSIPRead(transport string, laddr string, raddr string, sipmsg []byte) {
	if siptracer != nil {
		siptracer.SIPTraceRead(transport, laddr, raddr, sipmsg)
		return
	}

	if DefaultLogger().Enabled(context.Background(), slog.LevelDebug) {
		DefaultLogger().Debug(fmt.Sprintf("%s read from %s <- %s:\n%s", transport, laddr, raddr, sipmsg))
	}
}

func logSIPWrite(transport string, laddr string, raddr string, sipmsg []byte) {
	if siptracer != nil {
		siptracer.SIPTraceWrite(transport, laddr, raddr, sipmsg)
		return
	}
	if DefaultLogger().Enabled(context.Background(), slog.LevelDebug) {
		DefaultLogger().Debug(fmt.Sprintf("%s write to %s -> %s:\n%s", transport, laddr, raddr, sipmsg))
	}
}

// GenerateBranch returns random unique branch ID.
func GenerateBranch() string {
	return GenerateBranchN(16)
}

// GenerateBranchN returns random unique branch ID in format MagicCookie.<n chars>
func GenerateBranchN(n int) string {
	sb := &strings.Builder{}
	generateBranchStringWrite(sb, n)
	return sb.String()
}

func generateBranchStringWrite(sb *strings.Builder, n int) {
	sb.Grow(len(RFC3261BranchMagicCookie) + n + 1)
	sb.WriteString(RFC3261BranchMagicCookie)
	sb.WriteString(".")
	RandStringBytesMask(sb, n)
}

func GenerateTagN(n int) string {
	sb := &strings.Builder{}
	RandStringBytesMask(sb, n)
	return sb.String()
}

// GenerateBranchInvariant derives a deterministic Via branch from the
// request fields that must not change across a retransmit of the same
// transaction attempt: method, Request-URI, Call-ID, CSeq and the From tag.
// Recomputing it from a sent request's own headers must reproduce the
// branch that request was actually sent with. ACK (outside of a 2xx
// response) and CANCEL reuse the branch of the request they reference
// rather than calling this, since RFC 3261 §17.1.1.3/§9.1 require branch
// equality with the original transaction, not a fresh hash.
func GenerateBranchInvariant(method RequestMethod, ruri string, callID string, cseq uint32, fromTag string) string {
	h := sha1.New()
	h.Write([]byte(string(method)))
	h.Write([]byte{0})
	h.Write([]byte(ruri))
	h.Write([]byte{0})
	h.Write([]byte(callID))
	h.Write([]byte{0})
	h.Write([]byte(fmt.Sprintf("%d", cseq)))
	h.Write([]byte{0})
	h.Write([]byte(fromTag))

	sum := h.Sum(nil)
	sb := &strings.Builder{}
	sb.Grow(len(RFC3261BranchMagicCookie) + 1 + hex.EncodedLen(len(sum)))
	sb.WriteString(RFC3261BranchMagicCookie)
	sb.WriteString(".")
	sb.WriteString(hex.EncodeToString(sum))
	return sb.String()
}

// GenerateTagInvariant derives a deterministic To-tag for a UAS response to
// req, hashed from the request's Call-ID, From tag and CSeq so that every
// response the UAS sends for the same request (100, 180, 200, retransmits)
// carries the identical To-tag without needing to stash it anywhere first.
func GenerateTagInvariant(callID string, cseq uint32, fromTag string) string {
	h := sha1.New()
	h.Write([]byte(callID))
	h.Write([]byte{0})
	h.Write([]byte(fmt.Sprintf("%d", cseq)))
	h.Write([]byte{0})
	h.Write([]byte(fromTag))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)[:16]
}

// GenerateBranchForRequest computes GenerateBranchInvariant from a fully
// built request's own Request-URI, Call-ID, CSeq and From tag, so a caller
// can verify the branch sent on the wire against a recomputation from the
// request it was sent on.
func GenerateBranchForRequest(req *Request) string {
	var callID string
	if c := req.CallID(); c != nil {
		callID = c.Value()
	}
	var cseqNo uint32
	if c := req.CSeq(); c != nil {
		cseqNo = c.SeqNo
	}
	var fromTag string
	if f := req.From(); f != nil {
		fromTag, _ = f.Params.Get("tag")
	}
	return GenerateBranchInvariant(req.Method, req.Recipient.String(), callID, cseqNo, fromTag)
}

// DialogIDFromResponse creates dialog ID of message.
// returns error if callid or to tag or from tag does not exists
func DialogIDFromResponse(msg *Response) (string, error) {
	var callID, toTag, fromTag string = "", "", ""
	if err := getDialogIDFromMessage(msg, &callID, &toTag, &fromTag); err != nil {
		return "", err
	}
	return DialogIDMake(callID, toTag, fromTag), nil
}

// DialogIDFromRequestUAS creates dialog ID of message if receiver has UAS role.
// returns error if callid or to tag or from tag does not exists
func DialogIDFromRequestUAS(msg *Request) (string, error) {
	var callID, toTag, fromTag string = "", "", ""
	if err := getDialogIDFromMessage(msg, &callID, &toTag, &fromTag); err != nil {
		return "", err
	}
	return DialogIDMake(callID, toTag, fromTag), nil
}

// DialogIDFromRequestUAC creates dialog ID of message if receiver has UAC role.
// returns error if callid or to tag or from tag does not exists
func DialogIDFromRequestUAC(msg *Request) (string, error) {
	var callID, toTag, fromTag string = "", "", ""
	if err := getDialogIDFromMessage(msg, &callID, &toTag, &fromTag); err != nil {
		return "", err
	}
	return DialogIDMake(callID, fromTag, toTag), nil
}

func getDialogIDFromMessage(msg Message, callId, toHeaderTag, fromHeaderTag *string) error {
	callID := msg.CallID()
	if callID == nil {
		return fmt.Errorf("missing Call-ID header")
	}

	to := msg.To()
	if to == nil {
		return fmt.Errorf("missing To header")
	}

	toTag, ok := to.Params.Get("tag")
	if !ok {
		return fmt.Errorf("missing tag param in To header")
	}

	from := msg.From()
	if from == nil {
		return fmt.Errorf("missing From header")
	}

	fromTag, ok := from.Params.Get("tag")
	if !ok {
		return fmt.Errorf("missing tag param in From header")
	}
	*callId = string(*callID)
	*toHeaderTag = toTag
	*fromHeaderTag = fromTag
	return nil
}

func DialogIDMake(callID, innerID, externalID string) string {
	return strings.Join([]string{callID, innerID, externalID}, TxSeperator)
}
