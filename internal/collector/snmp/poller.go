// Package snmp implements the stateless SNMP collector on top of gosnmp.
package snmp

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
	"unicode"

	"github.com/gosnmp/gosnmp"

	"netcollect/internal/apperr"
)

const (
	DefaultPort    = 161
	DefaultTimeout = 10 * time.Second
	SysDescrOID    = "1.3.6.1.2.1.1.1.0"
)

// Request addresses one OID on one agent.
type Request struct {
	Host      string        `json:"host"`
	Port      int           `json:"port,omitempty"`
	Community string        `json:"community"`
	Version   string        `json:"version,omitempty"`
	OID       string        `json:"oid"`
	Timeout   time.Duration `json:"-"`
	Retries   int           `json:"retries,omitempty"`
}

// Validate checks required fields and fills defaults.
func (r *Request) Validate() error {
	switch {
	case strings.TrimSpace(r.Host) == "":
		return apperr.Required("host")
	case r.Community == "":
		return apperr.Required("community")
	case strings.TrimSpace(r.OID) == "":
		return apperr.Required("oid")
	}
	if r.Port == 0 {
		r.Port = DefaultPort
	}
	if r.Port < 1 || r.Port > 65535 {
		return apperr.Validation("port", fmt.Sprintf("port %d out of range", r.Port))
	}
	if r.Timeout <= 0 {
		r.Timeout = DefaultTimeout
	}
	if r.Retries < 0 {
		return apperr.Validation("retries", "retries must be non-negative")
	}
	if _, err := parseVersion(r.Version); err != nil {
		return err
	}
	r.OID = strings.TrimSpace(r.OID)
	return nil
}

// Varbind is one formatted variable binding.
type Varbind struct {
	OID   string `json:"oid"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Poller performs SNMP reads.
type Poller interface {
	Get(ctx context.Context, req Request) ([]Varbind, error)
	Walk(ctx context.Context, req Request) ([]Varbind, error)
}

// GoSNMP is the Poller backed by github.com/gosnmp/gosnmp.
type GoSNMP struct{}

func parseVersion(v string) (gosnmp.SnmpVersion, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "2c", "v2c", "2":
		return gosnmp.Version2c, nil
	case "1", "v1":
		return gosnmp.Version1, nil
	default:
		return 0, apperr.Validation("version", fmt.Sprintf("unsupported SNMP version %q (supported: 1, 2c)", v))
	}
}

func (GoSNMP) open(ctx context.Context, req Request) (*gosnmp.GoSNMP, error) {
	version, err := parseVersion(req.Version)
	if err != nil {
		return nil, err
	}
	g := &gosnmp.GoSNMP{
		Target:             req.Host,
		Port:               uint16(req.Port),
		Transport:          "udp",
		Community:          req.Community,
		Version:            version,
		Timeout:            req.Timeout,
		Retries:            req.Retries,
		Context:            ctx,
		MaxOids:            gosnmp.MaxOids,
		MaxRepetitions:     25,
		ExponentialTimeout: false,
	}
	if err := g.Connect(); err != nil {
		return nil, apperr.Connect(classify(err), err)
	}
	return g, nil
}

// Get fetches a single OID.
func (p GoSNMP) Get(ctx context.Context, req Request) ([]Varbind, error) {
	g, err := p.open(ctx, req)
	if err != nil {
		return nil, err
	}
	defer g.Conn.Close()

	pkt, err := g.Get([]string{req.OID})
	if err != nil {
		return nil, apperr.Execution(classify(err), err)
	}
	if pkt.Error != gosnmp.NoError {
		err := fmt.Errorf("agent returned %s at index %d", pkt.Error, pkt.ErrorIndex)
		return nil, apperr.Execution(apperr.ReasonProtocolError, err)
	}
	out := make([]Varbind, 0, len(pkt.Variables))
	for _, pdu := range pkt.Variables {
		out = append(out, Format(pdu))
	}
	return out, nil
}

// Walk retrieves the subtree under the OID, using GETBULK on v2c.
func (p GoSNMP) Walk(ctx context.Context, req Request) ([]Varbind, error) {
	g, err := p.open(ctx, req)
	if err != nil {
		return nil, err
	}
	defer g.Conn.Close()

	var pdus []gosnmp.SnmpPDU
	if g.Version == gosnmp.Version1 {
		pdus, err = g.WalkAll(req.OID)
	} else {
		pdus, err = g.BulkWalkAll(req.OID)
	}
	if err != nil {
		return nil, apperr.Execution(classify(err), err)
	}
	out := make([]Varbind, 0, len(pdus))
	for _, pdu := range pdus {
		out = append(out, Format(pdu))
	}
	return out, nil
}

// Format renders a PDU value as text.
func Format(pdu gosnmp.SnmpPDU) Varbind {
	vb := Varbind{OID: strings.TrimPrefix(pdu.Name, "."), Type: pdu.Type.String()}
	switch pdu.Type {
	case gosnmp.OctetString:
		b, _ := pdu.Value.([]byte)
		vb.Value = octets(b)
	case gosnmp.Integer, gosnmp.Counter32, gosnmp.Gauge32, gosnmp.TimeTicks, gosnmp.Counter64, gosnmp.Uinteger32:
		vb.Value = gosnmp.ToBigInt(pdu.Value).String()
	case gosnmp.ObjectIdentifier, gosnmp.IPAddress:
		s, _ := pdu.Value.(string)
		vb.Value = strings.TrimPrefix(s, ".")
	case gosnmp.Null, gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView:
		vb.Value = ""
	default:
		if pdu.Value != nil {
			vb.Value = fmt.Sprint(pdu.Value)
		}
	}
	return vb
}

func octets(b []byte) string {
	for _, r := range string(b) {
		if r == unicode.ReplacementChar || (!unicode.IsPrint(r) && !unicode.IsSpace(r)) {
			return "0x" + hex.EncodeToString(b)
		}
	}
	return string(b)
}

func classify(err error) apperr.Reason {
	if err == nil {
		return apperr.ReasonNone
	}
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "timeout") {
		return apperr.ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.ReasonTimeout
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return apperr.ReasonUnreachable
	}
	return apperr.ReasonProtocolError
}
