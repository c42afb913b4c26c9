package event

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
)

const programDataPrefix = "Program data: "

// depositEventDiscriminator is the 8-byte event tag emitted ahead of the
// Borsh payload, derived the same way the program derives it.
var depositEventDiscriminator = func() []byte {
	sum := sha256.Sum256([]byte("event:DepositEvent"))
	return sum[:8]
}()

// DecodeError reports a log line that carried the deposit-event tag but
// could not be decoded. Such lines are surfaced, not silently dropped.
type DecodeError struct {
	Signature string
	Line      int
	Err       error
}

func (e DecodeError) Error() string {
	return fmt.Sprintf("decode deposit event (tx %s, line %d): %v", e.Signature, e.Line, e.Err)
}

func (e DecodeError) Unwrap() error { return e.Err }

// Decoder extracts typed deposit events from raw program log batches.
type Decoder struct{}

// NewDecoder constructs a Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// DecodeBatch scans one transaction's log lines for deposit events.
// Lines that are not program-data records, or whose payload carries a
// different event discriminator, are skipped. Lines that are deposit
// events but fail to parse are returned as DecodeErrors; sibling lines
// in the batch are still processed.
func (d *Decoder) DecodeBatch(batch LogBatch) ([]DepositEvent, []DecodeError) {
	var events []DepositEvent
	var errs []DecodeError

	for i, line := range batch.Logs {
		payload, ok := strings.CutPrefix(line, programDataPrefix)
		if !ok {
			continue
		}

		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
		if err != nil {
			// Not necessarily ours; other programs log arbitrary data.
			continue
		}
		if len(raw) < len(depositEventDiscriminator) || !bytes.Equal(raw[:8], depositEventDiscriminator) {
			continue
		}

		evt, err := decodePayload(raw[8:])
		if err != nil {
			errs = append(errs, DecodeError{Signature: batch.Signature, Line: i, Err: err})
			continue
		}
		evt.SourceTx = batch.Signature
		events = append(events, evt)
	}

	return events, errs
}

// decodePayload reads the Borsh layout emitted by the program:
// deposit_id string, user pubkey [32]byte, asset u8, amount u64,
// z_address string. Strings are u32-length-prefixed, all integers
// little-endian.
func decodePayload(raw []byte) (DepositEvent, error) {
	r := &reader{buf: raw}

	depositID, err := r.string("deposit_id")
	if err != nil {
		return DepositEvent{}, err
	}

	pubkey, err := r.bytes(32, "user_pubkey")
	if err != nil {
		return DepositEvent{}, err
	}

	assetTag, err := r.byte("asset")
	if err != nil {
		return DepositEvent{}, err
	}
	asset, err := ParseAsset(assetTag)
	if err != nil {
		return DepositEvent{}, err
	}

	amount, err := r.uint64("amount")
	if err != nil {
		return DepositEvent{}, err
	}

	zAddress, err := r.string("z_address")
	if err != nil {
		return DepositEvent{}, err
	}

	if depositID == "" {
		return DepositEvent{}, fmt.Errorf("empty deposit_id")
	}
	if !ValidShieldedAddress(zAddress) {
		return DepositEvent{}, fmt.Errorf("invalid shielded address %q", zAddress)
	}

	return DepositEvent{
		DepositID:          depositID,
		UserAddress:        base58.Encode(pubkey),
		Asset:              asset,
		RawAmount:          amount,
		DestinationAddress: zAddress,
	}, nil
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) bytes(n int, field string) ([]byte, error) {
	if r.remaining() < n {
		return nil, fmt.Errorf("truncated payload reading %s", field)
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *reader) byte(field string) (byte, error) {
	b, err := r.bytes(1, field)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) uint64(field string) (uint64, error) {
	b, err := r.bytes(8, field)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) string(field string) (string, error) {
	lb, err := r.bytes(4, field)
	if err != nil {
		return "", err
	}
	n := int(binary.LittleEndian.Uint32(lb))
	if n > r.remaining() {
		return "", fmt.Errorf("string length %d exceeds payload reading %s", n, field)
	}
	b, err := r.bytes(n, field)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
