package probe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/xtxerr/tcpingd/config"
	"github.com/xtxerr/tcpingd/internal/constants"
)

const defaultSNMPPort = 161

// SNMPProber measures the round trip of a single SNMP GET. Any varbind
// answer counts; a missing OID fails the probe so that misconfigured
// targets are visible.
type SNMPProber struct {
	// Retries is used for targets that do not set their own.
	Retries int
}

// Probe sends one GET for the target's OID and returns the time until the
// response arrived.
func (p SNMPProber) Probe(ctx context.Context, t Target) (time.Duration, error) {
	client, err := p.client(ctx, t)
	if err != nil {
		return 0, err
	}
	if err := client.Connect(); err != nil {
		return 0, fmt.Errorf("connect: %w", err)
	}
	defer client.Conn.Close()

	oid := t.SNMP.OID
	if oid == "" {
		oid = config.DefaultSNMPOID
	}

	start := time.Now()
	pdu, err := client.Get([]string{oid})
	rtt := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("get: %w", err)
	}

	if len(pdu.Variables) == 0 {
		return 0, fmt.Errorf("no variables returned")
	}
	switch pdu.Variables[0].Type {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance:
		return 0, fmt.Errorf("oid %s not found", oid)
	}

	return rtt, nil
}

func (p SNMPProber) client(ctx context.Context, t Target) (*gosnmp.GoSNMP, error) {
	host, port, err := splitSNMPAddress(t.Address)
	if err != nil {
		return nil, err
	}

	retries := t.SNMP.Retries
	if retries <= 0 {
		retries = p.Retries
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = config.DefaultProbeTimeout
	}

	client := &gosnmp.GoSNMP{
		Context: ctx,
		Target:  host,
		Port:    port,
		Timeout: timeout,
		Retries: retries,
	}

	switch t.SNMP.Version {
	case constants.SNMPv1:
		client.Version = gosnmp.Version1
		client.Community = t.SNMP.Community
	case constants.SNMPv3:
		client.Version = gosnmp.Version3
		client.SecurityModel = gosnmp.UserSecurityModel
		client.MsgFlags = msgFlags(t.SNMP.SecurityLevel)
		client.ContextName = t.SNMP.ContextName
		client.SecurityParameters = &gosnmp.UsmSecurityParameters{
			UserName:                 t.SNMP.SecurityName,
			AuthenticationProtocol:   authProtocol(t.SNMP.AuthProtocol),
			AuthenticationPassphrase: t.SNMP.AuthPassword,
			PrivacyProtocol:          privProtocol(t.SNMP.PrivProtocol),
			PrivacyPassphrase:        t.SNMP.PrivPassword,
		}
	default:
		client.Version = gosnmp.Version2c
		client.Community = t.SNMP.Community
	}

	return client, nil
}

func splitSNMPAddress(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// Bare host.
		return addr, defaultSNMPPort, nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("invalid snmp port %q", portStr)
	}
	return host, uint16(port), nil
}

func msgFlags(level string) gosnmp.SnmpV3MsgFlags {
	switch level {
	case "authNoPriv":
		return gosnmp.AuthNoPriv
	case "authPriv":
		return gosnmp.AuthPriv
	default:
		return gosnmp.NoAuthNoPriv
	}
}

func authProtocol(name string) gosnmp.SnmpV3AuthProtocol {
	switch name {
	case "MD5":
		return gosnmp.MD5
	case "SHA":
		return gosnmp.SHA
	case "SHA224":
		return gosnmp.SHA224
	case "SHA256":
		return gosnmp.SHA256
	case "SHA384":
		return gosnmp.SHA384
	case "SHA512":
		return gosnmp.SHA512
	default:
		return gosnmp.NoAuth
	}
}

func privProtocol(name string) gosnmp.SnmpV3PrivProtocol {
	switch name {
	case "DES":
		return gosnmp.DES
	case "AES":
		return gosnmp.AES
	case "AES192":
		return gosnmp.AES192
	case "AES256":
		return gosnmp.AES256
	default:
		return gosnmp.NoPriv
	}
}
