// Package registry defines the external authority contracts the settlement
// core consults: the smart meter registry that admits participants and the
// certificate authority that vouches for renewable generation.
package registry

import (
	"github.com/NakaSato/gridtokenx-anchor-sub005/errs"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/ledger"
)

// MeterStatus describes the registration state of a participant's meter.
type MeterStatus string

const (
	MeterStatusActive    MeterStatus = "active"
	MeterStatusSuspended MeterStatus = "suspended"
	MeterStatusRetired   MeterStatus = "retired"
)

// Meter describes one registered smart meter.
type Meter struct {
	Owner      ledger.Party
	MeterID    string
	Status     MeterStatus
	GridZone   string
	Registered int64
}

// MeterRegistry answers whether a party may trade on the market.
type MeterRegistry interface {
	// Lookup returns the meter registered for the party.
	Lookup(owner ledger.Party) (Meter, bool)
}

// CertificateStatus describes the lifecycle state of an energy certificate.
type CertificateStatus string

const (
	CertificateStatusValid     CertificateStatus = "valid"
	CertificateStatusSuspended CertificateStatus = "suspended"
	CertificateStatusRevoked   CertificateStatus = "revoked"
)

// Certificate describes a renewable generation certificate backing sell orders.
type Certificate struct {
	ID                  string
	Owner               ledger.Party
	Status              CertificateStatus
	EnergyAmount        uint64
	ExpiresAt           int64
	ValidatedForTrading bool
}

// CertificateAuthority resolves certificates referenced by sell orders.
type CertificateAuthority interface {
	// Lookup returns the certificate with the given identifier.
	Lookup(id string) (Certificate, bool)
}

// ValidateParticipant checks that the party holds an active meter.
func ValidateParticipant(op string, reg MeterRegistry, owner ledger.Party) error {
	meter, ok := reg.Lookup(owner)
	if !ok {
		return errs.New(op, errs.CodeUnauthorized,
			errs.WithMessage("no meter registered for participant"),
			errs.WithMeta("owner", string(owner)))
	}
	if meter.Status != MeterStatusActive {
		return errs.New(op, errs.CodeUnauthorized,
			errs.WithMessage("meter is not active"),
			errs.WithMeta("owner", string(owner)),
			errs.WithMeta("status", string(meter.Status)))
	}
	return nil
}

// ValidateCertificate checks that a certificate can back a sell of the given
// energy amount at the given time.
func ValidateCertificate(op string, ca CertificateAuthority, id string, owner ledger.Party, amount uint64, now int64) error {
	cert, ok := ca.Lookup(id)
	if !ok {
		return errs.New(op, errs.CodeNotFound,
			errs.WithMessage("certificate not found"),
			errs.WithMeta("certificate", id))
	}
	if cert.Owner != owner {
		return errs.New(op, errs.CodeUnauthorized,
			errs.WithMessage("certificate owned by another party"),
			errs.WithMeta("certificate", id))
	}
	if cert.Status != CertificateStatusValid {
		return errs.New(op, errs.CodeInvalid,
			errs.WithMessage("certificate is not valid"),
			errs.WithMeta("certificate", id),
			errs.WithMeta("status", string(cert.Status)))
	}
	if cert.ExpiresAt != 0 && now >= cert.ExpiresAt {
		return errs.New(op, errs.CodeInvalid,
			errs.WithMessage("certificate expired"),
			errs.WithMeta("certificate", id))
	}
	if !cert.ValidatedForTrading {
		return errs.New(op, errs.CodeInvalid,
			errs.WithMessage("certificate not validated for trading"),
			errs.WithMeta("certificate", id))
	}
	if cert.EnergyAmount < amount {
		return errs.New(op, errs.CodeInvalid,
			errs.WithMessage("certificate does not cover energy amount"),
			errs.WithMeta("certificate", id))
	}
	return nil
}

// Static is an in-memory registry and certificate authority seeded at startup.
type Static struct {
	meters map[ledger.Party]Meter
	certs  map[string]Certificate
}

// NewStatic builds an empty static registry.
func NewStatic() *Static {
	return &Static{
		meters: make(map[ledger.Party]Meter),
		certs:  make(map[string]Certificate),
	}
}

// RegisterMeter installs or replaces a meter record.
func (s *Static) RegisterMeter(m Meter) {
	s.meters[m.Owner] = m
}

// RegisterCertificate installs or replaces a certificate record.
func (s *Static) RegisterCertificate(c Certificate) {
	s.certs[c.ID] = c
}

// Lookup implements MeterRegistry.
func (s *Static) Lookup(owner ledger.Party) (Meter, bool) {
	m, ok := s.meters[owner]
	return m, ok
}

// LookupCertificate exposes the certificate map behind CertificateAuthority.
func (s *Static) LookupCertificate(id string) (Certificate, bool) {
	c, ok := s.certs[id]
	return c, ok
}

// Certificates adapts the static store to the CertificateAuthority interface.
func (s *Static) Certificates() CertificateAuthority {
	return certificateView{s}
}

type certificateView struct{ s *Static }

func (v certificateView) Lookup(id string) (Certificate, bool) {
	return v.s.LookupCertificate(id)
}
