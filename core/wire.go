package core

// wire.go — stream-level request/response framing for the routing
// protocols and the responder side that answers them against a
// KBucketTable and RecordStore. Framing is a length-prefixed JSON
// envelope: the exact byte layout is not a spec concern (spec.md §1
// Non-goals), so this stays intentionally simple rather than building a
// bespoke binary codec.

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
)

// maxWireMessage caps one encoded JSON message at 5 MiB. The cap applies
// to the encoded body, so a record value near MaxRecordValueBytes does not
// fit once base64-encoded.
const maxWireMessage = 5 << 20

func writeJSON(w io.Writer, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func readJSON(r io.Reader, v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxWireMessage {
		return ErrValueTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

type findNodeRequest struct {
	Target RecordKey
}

type findNodeResponse struct {
	Peers []Peer
}

type findRecordRequest struct {
	Key RecordKey
}

type findRecordResponse struct {
	Found  bool
	Record *Record
}

type quoteRequest struct {
	Key RecordKey
}

type quoteResponse struct {
	Quote Quote
}

type putRecordRequest struct {
	Record Record
}

type putRecordResponse struct {
	Ok    bool
	Error string
}

type getRegisterRequest struct {
	Key RecordKey
}

type getRegisterResponse struct {
	Found  bool
	Record *Record
}

const quoteProtocol = "/antswarm/store/quote/1.0.0"
const putRecordProtocol = "/antswarm/store/put/1.0.0"
const getRegisterProtocol = "/antswarm/store/register/1.0.0"

// quoteLiveTime is the liveTime value handed to RecordStore.Quote when
// answering a cost request; it feeds the pricing curve's live-time term
// (core/pricing.go) rather than expiring the quote itself.
const quoteLiveTime = 24 * time.Hour

// RegisterRoutingHandlers wires the responder side of FindNode/FindRecord
// plus the storage-facing quote/put-record/get-register protocols onto h,
// answering out of table and store directly. All handlers run on
// libp2p's own per-stream goroutine, never on the owning node's event
// loop, so a slow or malicious peer can only stall its own stream.
//
// wallet/account/index sign the quotes this node offers; a nil wallet
// leaves quotes unsigned, which is only suitable for tests.
func RegisterRoutingHandlers(h host.Host, table *KBucketTable, store *RecordStore, wallet *HDWallet, account, index uint32) {
	h.SetStreamHandler(findNodeProtocol, func(s network.Stream) {
		defer s.Close()
		var req findNodeRequest
		if err := readJSON(s, &req); err != nil {
			routingLog.Debugf("find-node: bad request from %s: %v", s.Conn().RemotePeer(), err)
			return
		}
		peers := table.Closest(req.Target, K)
		if err := writeJSON(s, findNodeResponse{Peers: peers}); err != nil {
			routingLog.Debugf("find-node: write response: %v", err)
		}
	})

	h.SetStreamHandler(findRecordProtocol, func(s network.Stream) {
		defer s.Close()
		var req findRecordRequest
		if err := readJSON(s, &req); err != nil {
			routingLog.Debugf("find-record: bad request from %s: %v", s.Conn().RemotePeer(), err)
			return
		}
		value, err := store.Get(req.Key)
		if err != nil {
			_ = writeJSON(s, findRecordResponse{Found: false})
			return
		}
		typ, header, _ := store.Lookup(req.Key)
		rec := &Record{Key: req.Key, Value: value, Type: typ, Header: header}
		if err := writeJSON(s, findRecordResponse{Found: true, Record: rec}); err != nil {
			routingLog.Debugf("find-record: write response: %v", err)
		}
	})

	h.SetStreamHandler(quoteProtocol, func(s network.Stream) {
		defer s.Close()
		var req quoteRequest
		if err := readJSON(s, &req); err != nil {
			routingLog.Debugf("quote: bad request from %s: %v", s.Conn().RemotePeer(), err)
			return
		}
		q := store.Quote(req.Key, quoteLiveTime)
		if wallet != nil {
			if err := wallet.SignQuote(&q, account, index); err != nil {
				routingLog.Warnf("quote: signing failed: %v", err)
			}
		}
		if err := writeJSON(s, quoteResponse{Quote: q}); err != nil {
			routingLog.Debugf("quote: write response: %v", err)
		}
	})

	h.SetStreamHandler(putRecordProtocol, func(s network.Stream) {
		defer s.Close()
		var req putRecordRequest
		if err := readJSON(s, &req); err != nil {
			routingLog.Debugf("put-record: bad request from %s: %v", s.Conn().RemotePeer(), err)
			return
		}
		err := store.Put(req.Record)
		resp := putRecordResponse{Ok: err == nil}
		if err != nil {
			resp.Error = err.Error()
		}
		if err := writeJSON(s, resp); err != nil {
			routingLog.Debugf("put-record: write response: %v", err)
		}
	})

	h.SetStreamHandler(getRegisterProtocol, func(s network.Stream) {
		defer s.Close()
		var req getRegisterRequest
		if err := readJSON(s, &req); err != nil {
			routingLog.Debugf("get-register: bad request from %s: %v", s.Conn().RemotePeer(), err)
			return
		}
		value, err := store.Get(req.Key)
		if err != nil {
			_ = writeJSON(s, getRegisterResponse{Found: false})
			return
		}
		typ, header, _ := store.Lookup(req.Key)
		rec := &Record{Key: req.Key, Value: value, Type: typ, Header: header}
		if err := writeJSON(s, getRegisterResponse{Found: true, Record: rec}); err != nil {
			routingLog.Debugf("get-register: write response: %v", err)
		}
	})
}
