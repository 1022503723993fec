package dns

import (
	"errors"
	"fmt"

	"github.com/miekg/dns"
)

// ErrNoRecords means the name does not exist or has no records of the queried type.
var ErrNoRecords = errors.New("no records")

// MissingPubkeyRecordError is returned when a member has no _wireguard TXT record.
type MissingPubkeyRecordError struct {
	Name string
}

func (e *MissingPubkeyRecordError) Error() string {
	return fmt.Sprintf("missing TXT record for %s (expecting record to hold pubkey)", e.Name)
}

// MalformedRecordError is returned for a TXT record that is not valid UTF-8.
type MalformedRecordError struct {
	Name string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("non-UTF-8 TXT record for %s", e.Name)
}

// InvalidNameserverError is returned when the configured nameserver cannot be turned into an address.
type InvalidNameserverError struct {
	Address string
	Err     error
}

func (e *InvalidNameserverError) Error() string {
	return fmt.Sprintf("can't resolve nameserver %s: %s", e.Address, e.Err)
}

func (e *InvalidNameserverError) Unwrap() error {
	return e.Err
}

// RcodeError is returned when the nameserver answers with a failure rcode other than NXDOMAIN.
type RcodeError struct {
	Name  string
	Type  uint16
	Rcode int
}

func (e *RcodeError) Error() string {
	return fmt.Sprintf("query %s %s: %s", e.Name, dns.TypeToString[e.Type], dns.RcodeToString[e.Rcode])
}
