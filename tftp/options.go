package tftp

import (
	"strconv"
	"strings"
)

// Recognized option names (RFC 2348, RFC 2349). Matching is case-insensitive;
// Options keys are always stored normalized to lower case.
const (
	OptBlockSize    = "blksize"
	OptTimeout      = "timeout"
	OptTransferSize = "tsize"
)

// Wire-level and default limits (RFC 2348, RFC 2349).
const (
	DefaultBlockSize uint16 = 512
	MinBlockSize     uint16 = 8
	MaxBlockSize     uint16 = 65464

	MinTimeoutSeconds uint16 = 1
	MaxTimeoutSeconds uint16 = 255

	DefaultTimeoutMs = 5000
	DefaultRetries   = 5
)

// Options is a case-insensitive name -> value mapping parsed from, or to be
// written into, the options segment of an RRQ/WRQ/OACK packet. Keys are
// always stored lower-cased.
type Options map[string]string

func (o Options) get(name string) (string, bool) {
	v, ok := o[strings.ToLower(name)]
	return v, ok
}

func (o Options) set(name, value string) {
	o[strings.ToLower(name)] = value
}

// parseOptions consumes null-terminated (name, value) pairs from b. Unknown
// keys are kept verbatim (callers decide what to do with them); a key left
// without a paired value - malformed trailing data - stops parsing without
// error, per the codec's tolerant-parsing contract.
func parseOptions(b []byte) Options {
	if len(b) == 0 {
		return nil
	}
	opts := make(Options)
	for len(b) > 0 {
		nameEnd := indexByte(b, 0)
		if nameEnd < 0 {
			break
		}
		name := string(b[:nameEnd])
		b = b[nameEnd+1:]

		valEnd := indexByte(b, 0)
		if valEnd < 0 {
			break
		}
		value := string(b[:valEnd])
		b = b[valEnd+1:]

		opts.set(name, value)
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// EffectiveOptions is the negotiated, typed view of Options actually in
// force for a session: defaults overridden by whatever survived negotiation.
type EffectiveOptions struct {
	BlockSize    uint16
	TimeoutMs    int
	TransferSize uint32
	WaitOACK     bool
}

// DefaultEffectiveOptions returns the session defaults from spec.md's §3
// Defaults: block_size=512, timeout_ms=5000, transfer_size=0. The retry
// budget is not part of EffectiveOptions; it is carried by Session.Retries.
func DefaultEffectiveOptions() EffectiveOptions {
	return EffectiveOptions{
		BlockSize: DefaultBlockSize,
		TimeoutMs: DefaultTimeoutMs,
	}
}

// negotiate applies the options requested in an RRQ/WRQ to base, returning
// the subset that was recognized and in-range (suitable for echoing back in
// an OACK) along with the updated effective options. Out-of-range or
// unparsable values for a known option are silently dropped - the option is
// left at its prior value and omitted from the accepted set.
func negotiate(base EffectiveOptions, requested Options) (accepted Options, eff EffectiveOptions) {
	eff = base
	if len(requested) == 0 {
		return nil, eff
	}
	accepted = make(Options)

	if v, ok := requested.get(OptBlockSize); ok {
		if n, err := strconv.Atoi(v); err == nil {
			if n >= int(MinBlockSize) && n <= int(MaxBlockSize) {
				eff.BlockSize = uint16(n)
				accepted.set(OptBlockSize, strconv.Itoa(n))
			}
		}
	}
	if v, ok := requested.get(OptTimeout); ok {
		if n, err := strconv.Atoi(v); err == nil {
			if n >= int(MinTimeoutSeconds) && n <= int(MaxTimeoutSeconds) {
				eff.TimeoutMs = n * 1000
				accepted.set(OptTimeout, strconv.Itoa(n))
			}
		}
	}
	if v, ok := requested.get(OptTransferSize); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			eff.TransferSize = uint32(n)
			accepted.set(OptTransferSize, strconv.FormatUint(n, 10))
		}
	}

	if len(accepted) == 0 {
		return nil, eff
	}
	return accepted, eff
}

// requestOptions builds the options a client would attach to an outgoing
// RRQ/WRQ: only values differing from the defaults, tsize only if non-zero.
func requestOptions(eff EffectiveOptions) Options {
	opts := make(Options)
	if eff.BlockSize != DefaultBlockSize {
		opts.set(OptBlockSize, strconv.Itoa(int(eff.BlockSize)))
	}
	if eff.TimeoutMs != DefaultTimeoutMs {
		opts.set(OptTimeout, strconv.Itoa(eff.TimeoutMs/1000))
	}
	if eff.TransferSize != 0 {
		opts.set(OptTransferSize, strconv.FormatUint(uint64(eff.TransferSize), 10))
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

// applyServerOack strictly validates an OACK received by a client: unlike
// negotiate (tolerant, used when building a reply), any value a compliant
// server should never have sent - out of range or unparsable - is a fatal
// protocol error (spec.md §7 "option out of range after an OACK").
func applyServerOack(base EffectiveOptions, opts Options) (EffectiveOptions, error) {
	eff := base
	if v, ok := opts.get(OptBlockSize); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < int(MinBlockSize) || n > int(MaxBlockSize) {
			return eff, newProtocolError("server OACK blksize out of range")
		}
		eff.BlockSize = uint16(n)
	}
	if v, ok := opts.get(OptTimeout); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < int(MinTimeoutSeconds) || n > int(MaxTimeoutSeconds) {
			return eff, newProtocolError("server OACK timeout out of range")
		}
		eff.TimeoutMs = n * 1000
	}
	if v, ok := opts.get(OptTransferSize); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return eff, newProtocolError("server OACK tsize invalid")
		}
		eff.TransferSize = uint32(n)
	}
	return eff, nil
}

// optionOrder fixes the wire order of emitted options so encoding is
// deterministic regardless of map iteration order.
var optionOrder = []string{OptBlockSize, OptTimeout, OptTransferSize}

// buildOptionsSegment appends the wire form of the recognized keys in opts
// (in optionOrder; unknown keys are not emitted, tsize is skipped when "0")
// to buf, failing if the result would not fit within maxLen. It does not
// compare values against the defaults; requestOptions does that filtering
// for outgoing requests.
func buildOptionsSegment(buf []byte, opts Options, maxLen int) ([]byte, error) {
	for _, name := range optionOrder {
		value, ok := opts.get(name)
		if !ok {
			continue
		}
		if name == OptTransferSize && value == "0" {
			continue
		}
		need := len(buf) + len(name) + 1 + len(value) + 1
		if need > maxLen {
			return nil, errBufferTooSmall
		}
		buf = append(buf, name...)
		buf = append(buf, 0)
		buf = append(buf, value...)
		buf = append(buf, 0)
	}
	return buf, nil
}
