package eventstream

import (
	"encoding/binary"
	"encoding/json"

	log "github.com/sirupsen/logrus"
)

// State is the lifecycle state of a Decoder.
type State int

const (
	// StateReady is waiting for enough buffered bytes to attempt a parse.
	StateReady State = iota
	// StateParsing is mid-attempt on the message at the head of the buffer.
	StateParsing
	// StateRecovering is scanning forward for the next plausible frame boundary
	// after a malformed message.
	StateRecovering
	// StateStopped means MaxErrors consecutive failures were hit; the decoder
	// discards all further input.
	StateStopped
)

const (
	minMessageLength = 16
	maxMessageLength = 16 * 1024 * 1024
	preludeLength    = 12 // total_length(4) + headers_length(4) + prelude_crc(4)

	// maxRecoveryBuffer bounds how much garbage the recovery scan will hold
	// before pruning to its trailing kilobyte.
	maxRecoveryBuffer = 16 * 1024
)

// Message is a single decoded Event Stream frame.
type Message struct {
	Headers       map[string]HeaderValue
	Payload       []byte // raw bytes; JSON if PayloadIsJSON, opaque bytes otherwise
	PayloadIsJSON bool
	TotalLength   int
}

// Decoder is a byte-at-a-time, resync-capable Event Stream reader. It never
// blocks: Feed consumes whatever is given to it and returns however many
// complete messages that unblocked, leaving partial frames buffered for the
// next call.
type Decoder struct {
	state       State
	buffer      []byte
	errorCount  int
	maxErrors   int
	validateCRC bool

	MessagesParsed int
	CRCErrors      int
}

// NewDecoder constructs a Decoder that tolerates maxErrors consecutive
// malformed frames before giving up, validating CRC32C checksums when
// validateCRC is true.
func NewDecoder(maxErrors int, validateCRC bool) *Decoder {
	if maxErrors <= 0 {
		maxErrors = 3
	}
	return &Decoder{
		state:       StateReady,
		maxErrors:   maxErrors,
		validateCRC: validateCRC,
	}
}

// Stopped reports whether the decoder has given up after too many
// consecutive malformed frames.
func (d *Decoder) Stopped() bool { return d.state == StateStopped }

// Reset clears all buffered state, returning the decoder to StateReady.
func (d *Decoder) Reset() {
	d.state = StateReady
	d.buffer = d.buffer[:0]
	d.errorCount = 0
}

// Feed appends data to the internal buffer and extracts every complete
// message it can. Once Stopped, Feed is a no-op that returns no messages.
func (d *Decoder) Feed(data []byte) []Message {
	if d.state == StateStopped {
		return nil
	}

	d.buffer = append(d.buffer, data...)
	var messages []Message

feedLoop:
	for {
		if d.state == StateRecovering {
			if !d.tryRecover() {
				break feedLoop
			}
			d.state = StateReady
		}

		if len(d.buffer) < preludeLength {
			break feedLoop
		}

		d.state = StateParsing
		msg, status := d.tryParseMessage()

		switch status {
		case parseIncomplete:
			d.state = StateReady
			break feedLoop
		case parseMalformed:
			d.errorCount++
			if d.errorCount >= d.maxErrors {
				d.state = StateStopped
				log.Errorf("eventstream: max errors (%d) reached, decoder stopped", d.maxErrors)
				return messages
			}
			d.state = StateRecovering
		case parseSuccess:
			d.state = StateReady
			d.errorCount = 0
			d.MessagesParsed++
			messages = append(messages, *msg)
		}
	}

	return messages
}

type parseStatus int

const (
	parseIncomplete parseStatus = iota
	parseSuccess
	parseMalformed
)

// tryParseMessage attempts to decode the frame at the head of the buffer.
func (d *Decoder) tryParseMessage() (*Message, parseStatus) {
	totalLength := int(binary.BigEndian.Uint32(d.buffer[0:4]))

	if totalLength < minMessageLength || totalLength > maxMessageLength {
		log.Warnf("eventstream: invalid message length %d", totalLength)
		return nil, parseMalformed
	}
	if len(d.buffer) < totalLength {
		return nil, parseIncomplete
	}

	messageData := d.buffer[:totalLength]

	if d.validateCRC {
		preludeCRCExpected := binary.BigEndian.Uint32(messageData[8:12])
		preludeCRCActual := CRC32C(messageData[0:8])
		if preludeCRCExpected != preludeCRCActual {
			log.Warnf("eventstream: prelude CRC mismatch: expected %#x, got %#x", preludeCRCExpected, preludeCRCActual)
			d.CRCErrors++
			return nil, parseMalformed
		}

		messageCRCExpected := binary.BigEndian.Uint32(messageData[totalLength-4:])
		messageCRCActual := CRC32C(messageData[:totalLength-4])
		if messageCRCExpected != messageCRCActual {
			log.Warnf("eventstream: message CRC mismatch: expected %#x, got %#x", messageCRCExpected, messageCRCActual)
			d.CRCErrors++
			return nil, parseMalformed
		}
	}

	headersLength := int(binary.BigEndian.Uint32(messageData[4:8]))
	if preludeLength+headersLength > totalLength-4 {
		log.Warnf("eventstream: headers length %d exceeds message bounds", headersLength)
		return nil, parseMalformed
	}
	headersData := messageData[preludeLength : preludeLength+headersLength]
	headers, err := ParseHeaders(headersData)
	if err != nil {
		log.Warnf("eventstream: %v", err)
		return nil, parseMalformed
	}

	payloadStart := preludeLength + headersLength
	payloadEnd := totalLength - 4
	payloadData := messageData[payloadStart:payloadEnd]

	msg := &Message{
		Headers:     headers,
		TotalLength: totalLength,
	}
	if len(payloadData) > 0 {
		if json.Valid(payloadData) {
			msg.Payload = append([]byte(nil), payloadData...)
			msg.PayloadIsJSON = true
		} else {
			msg.Payload = append([]byte(nil), payloadData...)
			msg.PayloadIsJSON = false
		}
	}

	d.buffer = d.buffer[totalLength:]

	return msg, parseSuccess
}

// tryRecover scans forward from the second byte of the buffer looking for a
// position whose 4-byte length prefix and prelude CRC are both plausible,
// discarding everything before it. It returns false if no such position is
// found yet (more data may still resolve it); in that case a buffer longer
// than maxRecoveryBuffer is cut down to its last 1 KiB, so pure garbage
// input cannot grow it without bound.
func (d *Decoder) tryRecover() bool {
	if len(d.buffer) < preludeLength {
		return false
	}

	d.buffer = d.buffer[1:]

	for i := 0; i <= len(d.buffer)-preludeLength; i++ {
		totalLength := int(binary.BigEndian.Uint32(d.buffer[i : i+4]))
		if totalLength < minMessageLength || totalLength > maxMessageLength {
			continue
		}
		prelude := d.buffer[i : i+8]
		preludeCRC := binary.BigEndian.Uint32(d.buffer[i+8 : i+12])
		if CRC32C(prelude) == preludeCRC {
			d.buffer = d.buffer[i:]
			log.Infof("eventstream: recovered at offset %d", i)
			return true
		}
	}

	if len(d.buffer) > maxRecoveryBuffer {
		d.buffer = d.buffer[len(d.buffer)-1024:]
	}

	return false
}
