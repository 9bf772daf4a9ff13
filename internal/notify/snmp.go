package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fleetalert/internal/models"

	"github.com/gosnmp/gosnmp"
	"gorm.io/datatypes"
)

// snmpTrapOID.0, the varbind naming the notification type in a v2 trap.
const snmpTrapOID = "1.3.6.1.6.3.1.1.4.1.0"

// SNMPConfig is the config blob of an snmp channel.
type SNMPConfig struct {
	Host      string `json:"host"`
	Port      uint16 `json:"port"`    // 162 when zero
	Version   string `json:"version"` // v2c or v3
	Community string `json:"community"`
	OIDPrefix string `json:"oid_prefix"`

	// v3 USM
	Username       string `json:"username"`
	AuthProtocol   string `json:"auth_protocol"` // MD5, SHA, SHA256, SHA512
	AuthPassphrase string `json:"auth_passphrase"`
	PrivProtocol   string `json:"priv_protocol"` // DES, AES, AES256
	PrivPassphrase string `json:"priv_passphrase"`
}

func parseSNMPConfig(raw datatypes.JSON) (*SNMPConfig, error) {
	var cfg SNMPConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Host == "" {
		return nil, Permanent(fmt.Errorf("snmp host is required"))
	}
	if cfg.Version == "v3" && cfg.Username == "" {
		return nil, Permanent(fmt.Errorf("snmp v3 requires a username"))
	}
	if cfg.Version != "" && cfg.Version != "v2c" && cfg.Version != "v3" {
		return nil, Permanent(fmt.Errorf("unsupported snmp version %q", cfg.Version))
	}
	return &cfg, nil
}

// SNMPDefaults fill fields a channel config leaves empty.
type SNMPDefaults struct {
	Community string
	Version   string
	OIDPrefix string
	Timeout   time.Duration
}

// SNMPSender emits one trap per message.
type SNMPSender struct {
	defaults SNMPDefaults
}

func NewSNMPSender(defaults SNMPDefaults) *SNMPSender {
	if defaults.Timeout <= 0 {
		defaults.Timeout = 5 * time.Second
	}
	return &SNMPSender{defaults: defaults}
}

func (s *SNMPSender) Send(ctx context.Context, ch *models.NotificationChannel, msg *Message) (Result, error) {
	cfg, err := parseSNMPConfig(ch.Config)
	if err != nil {
		return Result{}, err
	}

	client, err := s.client(ctx, cfg)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	if err := client.Connect(); err != nil {
		return Result{}, fmt.Errorf("snmp connect %s: %w", client.Target, err)
	}
	defer client.Conn.Close()

	prefix := strings.TrimSuffix(firstNonEmpty(cfg.OIDPrefix, s.defaults.OIDPrefix), ".")
	if _, err := client.SendTrap(buildTrap(prefix, msg)); err != nil {
		return Result{Latency: time.Since(start)}, fmt.Errorf("snmp trap to %s: %w", client.Target, err)
	}
	return Result{Latency: time.Since(start)}, nil
}

func (s *SNMPSender) client(ctx context.Context, cfg *SNMPConfig) (*gosnmp.GoSNMP, error) {
	timeout := s.defaults.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout {
			timeout = d
		}
	}

	g := &gosnmp.GoSNMP{
		Target:    cfg.Host,
		Port:      cfg.Port,
		Transport: "udp",
		Community: firstNonEmpty(cfg.Community, s.defaults.Community, "public"),
		Timeout:   timeout,
		Retries:   0,
		Context:   ctx,
		MaxOids:   gosnmp.MaxOids,
	}
	if g.Port == 0 {
		g.Port = 162
	}

	switch firstNonEmpty(cfg.Version, s.defaults.Version, "v2c") {
	case "v3":
		g.Version = gosnmp.Version3
		g.SecurityModel = gosnmp.UserSecurityModel
		usm := &gosnmp.UsmSecurityParameters{
			UserName:                 cfg.Username,
			AuthenticationProtocol:   gosnmp.NoAuth,
			AuthenticationPassphrase: cfg.AuthPassphrase,
			PrivacyProtocol:          gosnmp.NoPriv,
			PrivacyPassphrase:        cfg.PrivPassphrase,
		}
		g.MsgFlags = gosnmp.NoAuthNoPriv
		if cfg.AuthProtocol != "" {
			ap, err := authProtocol(cfg.AuthProtocol)
			if err != nil {
				return nil, err
			}
			usm.AuthenticationProtocol = ap
			g.MsgFlags = gosnmp.AuthNoPriv
			if cfg.PrivProtocol != "" {
				pp, err := privProtocol(cfg.PrivProtocol)
				if err != nil {
					return nil, err
				}
				usm.PrivacyProtocol = pp
				g.MsgFlags = gosnmp.AuthPriv
			}
		}
		g.SecurityParameters = usm
	default:
		g.Version = gosnmp.Version2c
	}
	return g, nil
}

// buildTrap lays the alert out under prefix: prefix.0.<event> names the
// notification and prefix.1.N carry the fields.
func buildTrap(prefix string, msg *Message) gosnmp.SnmpTrap {
	oid := func(n int) string { return prefix + ".1." + strconv.Itoa(n) }
	return gosnmp.SnmpTrap{
		Variables: []gosnmp.SnmpPDU{
			{Name: snmpTrapOID, Type: gosnmp.ObjectIdentifier, Value: prefix + ".0." + strconv.Itoa(eventCode(msg.Event))},
			{Name: oid(1), Type: gosnmp.Integer, Value: int(msg.AlertID)},
			{Name: oid(2), Type: gosnmp.OctetString, Value: string(msg.Event)},
			{Name: oid(3), Type: gosnmp.Integer, Value: msg.Severity},
			{Name: oid(4), Type: gosnmp.OctetString, Value: msg.TenantID},
			{Name: oid(5), Type: gosnmp.OctetString, Value: msg.DeviceID},
			{Name: oid(6), Type: gosnmp.OctetString, Value: msg.Metric},
			{Name: oid(7), Type: gosnmp.OctetString, Value: strconv.FormatFloat(msg.Value, 'g', -1, 64)},
			{Name: oid(8), Type: gosnmp.Integer, Value: msg.EscalationLevel},
			{Name: oid(9), Type: gosnmp.OctetString, Value: truncate(msg.Title(), 255)},
		},
	}
}

func eventCode(e models.LifecycleEvent) int {
	switch e {
	case models.EventOpen:
		return 1
	case models.EventClosed:
		return 2
	case models.EventAcknowledged:
		return 3
	case models.EventEscalated:
		return 4
	}
	return 0
}

func authProtocol(name string) (gosnmp.SnmpV3AuthProtocol, error) {
	switch strings.ToUpper(name) {
	case "MD5":
		return gosnmp.MD5, nil
	case "SHA":
		return gosnmp.SHA, nil
	case "SHA256":
		return gosnmp.SHA256, nil
	case "SHA512":
		return gosnmp.SHA512, nil
	}
	return gosnmp.NoAuth, Permanent(fmt.Errorf("unsupported snmp auth protocol %q", name))
}

func privProtocol(name string) (gosnmp.SnmpV3PrivProtocol, error) {
	switch strings.ToUpper(name) {
	case "DES":
		return gosnmp.DES, nil
	case "AES":
		return gosnmp.AES, nil
	case "AES256":
		return gosnmp.AES256, nil
	}
	return gosnmp.NoPriv, Permanent(fmt.Errorf("unsupported snmp privacy protocol %q", name))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
