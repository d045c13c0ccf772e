package dht

import (
	"encoding/binary"
	"errors"
	"io"
)

// RequestType identifies the RPC verb carried by a wire Request. Every
// frame carries a correlation ID so one session can multiplex many
// in-flight operations.
type RequestType uint8

const (
	ReqGet    RequestType = 2
	ReqPut    RequestType = 3
	ReqRemove RequestType = 4
)

const wireMagic byte = 0xDA

// ErrBadMagic is returned by ReadMessage/ReadResponse when a frame's
// leading magic byte does not match wireMagic, indicating a desynced or
// corrupt stream.
var ErrBadMagic = errors.New("dht: bad wire magic byte")

// Message is one wire request frame: {magic, requestType,
// correlationID, keySize, valueSize, payload}.
type Message struct {
	Type          RequestType
	CorrelationID uint64
	KeySize       uint32
	ValueSize     uint32
	Payload       []byte // KeySize+ValueSize bytes: key bytes then value bytes
}

// Response is one wire response frame: {magic, status, correlationID,
// payloadSize, payload}.
type Response struct {
	Status        int32
	CorrelationID uint64
	Payload       []byte
}

// WriteMessage frames and writes msg to w.
func WriteMessage(w io.Writer, msg Message) error {
	header := make([]byte, 1+1+8+4+4)
	header[0] = wireMagic
	header[1] = byte(msg.Type)
	binary.LittleEndian.PutUint64(header[2:10], msg.CorrelationID)
	binary.LittleEndian.PutUint32(header[10:14], msg.KeySize)
	binary.LittleEndian.PutUint32(header[14:18], msg.ValueSize)
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(msg.Payload) == 0 {
		return nil
	}
	_, err := w.Write(msg.Payload)
	return err
}

// ReadMessage reads and decodes one Message from r.
func ReadMessage(r io.Reader) (Message, error) {
	header := make([]byte, 1+1+8+4+4)
	if _, err := io.ReadFull(r, header); err != nil {
		return Message{}, err
	}
	if header[0] != wireMagic {
		return Message{}, ErrBadMagic
	}
	msg := Message{
		Type:          RequestType(header[1]),
		CorrelationID: binary.LittleEndian.Uint64(header[2:10]),
		KeySize:       binary.LittleEndian.Uint32(header[10:14]),
		ValueSize:     binary.LittleEndian.Uint32(header[14:18]),
	}
	total := int(msg.KeySize) + int(msg.ValueSize)
	if total > 0 {
		msg.Payload = make([]byte, total)
		if _, err := io.ReadFull(r, msg.Payload); err != nil {
			return Message{}, err
		}
	}
	return msg, nil
}

// WriteResponse frames and writes resp to w.
func WriteResponse(w io.Writer, resp Response) error {
	header := make([]byte, 1+4+8+4)
	header[0] = wireMagic
	binary.LittleEndian.PutUint32(header[1:5], uint32(resp.Status))
	binary.LittleEndian.PutUint64(header[5:13], resp.CorrelationID)
	binary.LittleEndian.PutUint32(header[13:17], uint32(len(resp.Payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(resp.Payload) == 0 {
		return nil
	}
	_, err := w.Write(resp.Payload)
	return err
}

// ReadResponse reads and decodes one Response from r.
func ReadResponse(r io.Reader) (Response, error) {
	header := make([]byte, 1+4+8+4)
	if _, err := io.ReadFull(r, header); err != nil {
		return Response{}, err
	}
	if header[0] != wireMagic {
		return Response{}, ErrBadMagic
	}
	resp := Response{
		Status:        int32(binary.LittleEndian.Uint32(header[1:5])),
		CorrelationID: binary.LittleEndian.Uint64(header[5:13]),
	}
	n := binary.LittleEndian.Uint32(header[13:17])
	if n > 0 {
		resp.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, resp.Payload); err != nil {
			return Response{}, err
		}
	}
	return resp, nil
}
