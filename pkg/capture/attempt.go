// Package capture defines the credential attempt model and the pipeline
// that joins protocol handlers to geolocation, persistence, and fan-out.
package capture

import (
	"time"
)

// Protocol identifies the emulated service a credential attempt arrived on.
type Protocol string

const (
	ProtocolSSH    Protocol = "ssh"
	ProtocolTelnet Protocol = "telnet"
	ProtocolFTP    Protocol = "ftp"
	ProtocolSMTP   Protocol = "smtp"
	ProtocolRDP    Protocol = "rdp"
	ProtocolSIP    Protocol = "sip"
	ProtocolMySQL  Protocol = "mysql"
)

// Protocols lists every supported protocol tag.
func Protocols() []Protocol {
	return []Protocol{
		ProtocolSSH, ProtocolTelnet, ProtocolFTP, ProtocolSMTP,
		ProtocolRDP, ProtocolSIP, ProtocolMySQL,
	}
}

// Valid reports whether p is a known protocol tag.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolSSH, ProtocolTelnet, ProtocolFTP, ProtocolSMTP,
		ProtocolRDP, ProtocolSIP, ProtocolMySQL:
		return true
	}
	return false
}

func (p Protocol) String() string { return string(p) }

const (
	// MaxUsernameLen bounds the stored username byte length.
	MaxUsernameLen = 256
	// MaxPasswordLen bounds the stored password byte length.
	MaxPasswordLen = 1024
)

// Attempt is a single captured credential submission. Rows are append-only:
// attempts are never mutated or deleted once written.
//
// Geolocation fields are all-or-nothing: either every field is set from a
// successful lookup or all of them are NULL.
type Attempt struct {
	ID        uint      `gorm:"primaryKey"          json:"id"`
	Protocol  Protocol  `gorm:"not null;index"      json:"protocol"`
	Username  string    `gorm:"not null;size:256"   json:"username"`
	Password  string    `gorm:"not null;size:1024"  json:"password"`
	ClientIP  string    `gorm:"not null;index"      json:"client_ip"`
	Timestamp time.Time `gorm:"not null;index"      json:"timestamp"`

	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Country   *string  `json:"country,omitempty"`
	City      *string  `json:"city,omitempty"`
	Region    *string  `json:"region,omitempty"`
}

// TableName pins the GORM table name to the persisted schema.
func (Attempt) TableName() string { return "login_attempts" }

// Truncate clamps username and password to their storage bounds.
// Overlong submissions are attacker-controlled; clamping keeps the row
// while avoiding unbounded storage.
func (a *Attempt) Truncate() {
	if len(a.Username) > MaxUsernameLen {
		a.Username = a.Username[:MaxUsernameLen]
	}
	if len(a.Password) > MaxPasswordLen {
		a.Password = a.Password[:MaxPasswordLen]
	}
}
