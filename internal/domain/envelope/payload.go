package envelope

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// MetadataPayload carries a collection-level metadata replacement.
type MetadataPayload struct {
	URI    string
	Name   string
	Symbol string
}

// ItemUpdate targets one leaf for a metadata rewrite.
type ItemUpdate struct {
	LeafIndex uint32
	URI       string
	Proof     [][32]byte
}

// MintItem describes one item to mint.
type MintItem struct {
	Recipient Address
	Name      string
	Symbol    string
	URI       string
}

// BurnItem describes one leaf to burn.
type BurnItem struct {
	LeafIndex uint32
	Owner     Address
	Proof     [][32]byte
}

// TransferItem describes one leaf ownership change.
type TransferItem struct {
	LeafIndex uint32
	From      Address
	To        Address
	Proof     [][32]byte
}

// TreeConfigPayload carries replacement tree bounds.
type TreeConfigPayload struct {
	MaxDepth      uint32
	MaxBufferSize uint32
}

// TreeStatePayload carries a root attestation for external verification.
type TreeStatePayload struct {
	Root      [32]byte
	ItemCount uint64
	Sequence  uint64
	Proof     [][32]byte
}

// reader walks a payload with bounds checking. Any overrun poisons the
// reader and surfaces as ErrMalformedPayload from Err.
type reader struct {
	data []byte
	off  int
	bad  bool
}

func (r *reader) u8() uint8 {
	if r.bad || r.off+1 > len(r.data) {
		r.bad = true
		return 0
	}
	v := r.data[r.off]
	r.off++
	return v
}

func (r *reader) u32() uint32 {
	if r.bad || r.off+4 > len(r.data) {
		r.bad = true
		return 0
	}
	v := binary.LittleEndian.Uint32(r.data[r.off : r.off+4])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if r.bad || r.off+8 > len(r.data) {
		r.bad = true
		return 0
	}
	v := binary.LittleEndian.Uint64(r.data[r.off : r.off+8])
	r.off += 8
	return v
}

func (r *reader) bytes32() (out [32]byte) {
	if r.bad || r.off+32 > len(r.data) {
		r.bad = true
		return out
	}
	copy(out[:], r.data[r.off:r.off+32])
	r.off += 32
	return out
}

func (r *reader) str() string {
	n := int(r.u32())
	if r.bad || r.off+n > len(r.data) {
		r.bad = true
		return ""
	}
	raw := r.data[r.off : r.off+n]
	if !utf8.Valid(raw) {
		r.bad = true
		return ""
	}
	r.off += n
	return string(raw)
}

func (r *reader) proof() [][32]byte {
	n := int(r.u32())
	if r.bad {
		return nil
	}
	// Each proof node is 32 bytes; reject counts the payload cannot hold.
	if n < 0 || n > (len(r.data)-r.off)/32 {
		r.bad = true
		return nil
	}
	out := make([][32]byte, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.bytes32())
	}
	return out
}

// count reads an item count and rejects values the remaining bytes
// cannot possibly hold, given a minimum encoded size per item.
func (r *reader) count(minItemSize int) int {
	n := int(r.u32())
	if r.bad {
		return 0
	}
	if n < 0 || n > (len(r.data)-r.off)/minItemSize {
		r.bad = true
		return 0
	}
	return n
}

// done requires full consumption of the payload.
func (r *reader) done() error {
	if r.bad {
		return ErrMalformedPayload
	}
	if r.off != len(r.data) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedPayload, len(r.data)-r.off)
	}
	return nil
}

type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) bytes32(v [32]byte) {
	w.buf = append(w.buf, v[:]...)
}
func (w *writer) str(s string) {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}
func (w *writer) proof(p [][32]byte) {
	w.u32(uint32(len(p)))
	for _, node := range p {
		w.bytes32(node)
	}
}

// EncodeMetadataPayload serializes three length-prefixed strings.
func EncodeMetadataPayload(p MetadataPayload) []byte {
	w := &writer{}
	w.str(p.URI)
	w.str(p.Name)
	w.str(p.Symbol)
	return w.buf
}

// DecodeMetadataPayload parses the metadata-update payload.
func DecodeMetadataPayload(data []byte) (MetadataPayload, error) {
	r := &reader{data: data}
	p := MetadataPayload{URI: r.str(), Name: r.str(), Symbol: r.str()}
	if err := r.done(); err != nil {
		return MetadataPayload{}, err
	}
	return p, nil
}

// EncodeBatchUpdatePayload serializes a per-item metadata batch.
func EncodeBatchUpdatePayload(items []ItemUpdate) []byte {
	w := &writer{}
	w.u32(uint32(len(items)))
	for _, it := range items {
		w.u32(it.LeafIndex)
		w.str(it.URI)
		w.proof(it.Proof)
	}
	return w.buf
}

// DecodeBatchUpdatePayload parses a per-item metadata batch.
func DecodeBatchUpdatePayload(data []byte) ([]ItemUpdate, error) {
	r := &reader{data: data}
	n := r.count(12)
	items := make([]ItemUpdate, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, ItemUpdate{LeafIndex: r.u32(), URI: r.str(), Proof: r.proof()})
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return items, nil
}

// EncodeAuthorityPayload serializes an authority replacement.
func EncodeAuthorityPayload(newAuthority Address) []byte {
	w := &writer{}
	w.bytes32(newAuthority)
	return w.buf
}

// DecodeAuthorityPayload parses an authority replacement.
func DecodeAuthorityPayload(data []byte) (Address, error) {
	r := &reader{data: data}
	addr := Address(r.bytes32())
	if err := r.done(); err != nil {
		return Address{}, err
	}
	return addr, nil
}

// EncodePausePayload serializes the pause flag.
func EncodePausePayload(paused bool) []byte {
	w := &writer{}
	if paused {
		w.u8(1)
	} else {
		w.u8(0)
	}
	return w.buf
}

// DecodePausePayload parses the pause flag; values other than 0/1 are rejected.
func DecodePausePayload(data []byte) (bool, error) {
	r := &reader{data: data}
	v := r.u8()
	if err := r.done(); err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: pause flag %d", ErrMalformedPayload, v)
	}
}

// EncodeMintPayload serializes a mint batch.
func EncodeMintPayload(items []MintItem) []byte {
	w := &writer{}
	w.u32(uint32(len(items)))
	for _, it := range items {
		w.bytes32(it.Recipient)
		w.str(it.Name)
		w.str(it.Symbol)
		w.str(it.URI)
	}
	return w.buf
}

// DecodeMintPayload parses a mint batch.
func DecodeMintPayload(data []byte) ([]MintItem, error) {
	r := &reader{data: data}
	n := r.count(44)
	items := make([]MintItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, MintItem{
			Recipient: Address(r.bytes32()),
			Name:      r.str(),
			Symbol:    r.str(),
			URI:       r.str(),
		})
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return items, nil
}

// EncodeBurnPayload serializes a burn batch.
func EncodeBurnPayload(items []BurnItem) []byte {
	w := &writer{}
	w.u32(uint32(len(items)))
	for _, it := range items {
		w.u32(it.LeafIndex)
		w.bytes32(it.Owner)
		w.proof(it.Proof)
	}
	return w.buf
}

// DecodeBurnPayload parses a burn batch.
func DecodeBurnPayload(data []byte) ([]BurnItem, error) {
	r := &reader{data: data}
	n := r.count(40)
	items := make([]BurnItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, BurnItem{LeafIndex: r.u32(), Owner: Address(r.bytes32()), Proof: r.proof()})
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return items, nil
}

// EncodeTransferPayload serializes a transfer batch.
func EncodeTransferPayload(items []TransferItem) []byte {
	w := &writer{}
	w.u32(uint32(len(items)))
	for _, it := range items {
		w.u32(it.LeafIndex)
		w.bytes32(it.From)
		w.bytes32(it.To)
		w.proof(it.Proof)
	}
	return w.buf
}

// DecodeTransferPayload parses a transfer batch.
func DecodeTransferPayload(data []byte) ([]TransferItem, error) {
	r := &reader{data: data}
	n := r.count(72)
	items := make([]TransferItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, TransferItem{
			LeafIndex: r.u32(),
			From:      Address(r.bytes32()),
			To:        Address(r.bytes32()),
			Proof:     r.proof(),
		})
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return items, nil
}

// EncodeTreeConfigPayload serializes tree bounds.
func EncodeTreeConfigPayload(p TreeConfigPayload) []byte {
	w := &writer{}
	w.u32(p.MaxDepth)
	w.u32(p.MaxBufferSize)
	return w.buf
}

// DecodeTreeConfigPayload parses tree bounds.
func DecodeTreeConfigPayload(data []byte) (TreeConfigPayload, error) {
	r := &reader{data: data}
	p := TreeConfigPayload{MaxDepth: r.u32(), MaxBufferSize: r.u32()}
	if err := r.done(); err != nil {
		return TreeConfigPayload{}, err
	}
	return p, nil
}

// EncodeTreeStatePayload serializes a root attestation.
func EncodeTreeStatePayload(p TreeStatePayload) []byte {
	w := &writer{}
	w.bytes32(p.Root)
	w.u64(p.ItemCount)
	w.u64(p.Sequence)
	w.proof(p.Proof)
	return w.buf
}

// DecodeTreeStatePayload parses a root attestation.
func DecodeTreeStatePayload(data []byte) (TreeStatePayload, error) {
	r := &reader{data: data}
	p := TreeStatePayload{
		Root:      r.bytes32(),
		ItemCount: r.u64(),
		Sequence:  r.u64(),
		Proof:     r.proof(),
	}
	if err := r.done(); err != nil {
		return TreeStatePayload{}, err
	}
	return p, nil
}
