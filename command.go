package tormgr

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const opCommand = "Command"

// CommandKind tags the variant carried by a Command, realizing the
// Command sum type as a tagged value with a small dispatch table for
// wire encoding and reply parsing rather than a class hierarchy.
type CommandKind string

const (
	CmdAuthenticate          CommandKind = "AUTHENTICATE"
	CmdConfigGet             CommandKind = "CONFIG_GET"
	CmdConfigLoad            CommandKind = "CONFIG_LOAD"
	CmdConfigReset           CommandKind = "CONFIG_RESET"
	CmdConfigSave            CommandKind = "CONFIG_SAVE"
	CmdConfigSet             CommandKind = "CONFIG_SET"
	CmdDropGuards            CommandKind = "DROP_GUARDS"
	CmdHsFetch               CommandKind = "HS_FETCH"
	CmdInfoGet               CommandKind = "INFO_GET"
	CmdMapAddress            CommandKind = "MAP_ADDRESS"
	CmdOnionAdd              CommandKind = "ONION_ADD"
	CmdOnionDelete           CommandKind = "ONION_DELETE"
	CmdOnionClientAuthAdd    CommandKind = "ONION_CLIENT_AUTH_ADD"
	CmdOnionClientAuthRemove CommandKind = "ONION_CLIENT_AUTH_REMOVE"
	CmdOnionClientAuthView   CommandKind = "ONION_CLIENT_AUTH_VIEW"
	CmdOwnershipTake         CommandKind = "OWNERSHIP_TAKE"
	CmdOwnershipDrop         CommandKind = "OWNERSHIP_DROP"
	CmdResolve               CommandKind = "RESOLVE"
	CmdSetEvents             CommandKind = "SET_EVENTS"
	CmdSignal                CommandKind = "SIGNAL"
)

// SignalKind enumerates the SIGNAL command's accepted arguments.
type SignalKind string

const (
	SignalReload        SignalKind = "RELOAD"
	SignalShutdown      SignalKind = "SHUTDOWN"
	SignalDump          SignalKind = "DUMP"
	SignalDebug         SignalKind = "DEBUG"
	SignalHalt          SignalKind = "HALT"
	SignalNewNym        SignalKind = "NEWNYM"
	SignalClearDNSCache SignalKind = "CLEARDNSCACHE"
	SignalHeartbeat     SignalKind = "HEARTBEAT"
	SignalActive        SignalKind = "ACTIVE"
	SignalDormant       SignalKind = "DORMANT"
)

// OnionAddSpec parameterizes Command{Kind: CmdOnionAdd}: the requested
// key material and port mappings for ADD_ONION.
type OnionAddSpec struct {
	// PrivateKey is nil to request fresh key material ("NEW"), or an
	// existing OnionPrivateKey to re-register a known service.
	PrivateKey *OnionPrivateKey
	// Ports maps a virtual onion port to a "host:port" or
	// `unix:"/path"` target.
	Ports map[int]string
	// Flags carries ADD_ONION flags (DiscardPK, Detach, BasicAuth,
	// NonAnonymous, MaxStreamsCloseCircuit).
	Flags []string
	// ClientAuthV3 lists x25519 client-auth public keys to attach.
	ClientAuthV3 []string
}

// Command is a descriptor for one tor control command: its kind plus
// the parameters for that variant. Privileged variants (Authenticate,
// ConfigLoad, OwnershipTake/Drop, and SIGNAL SHUTDOWN/HALT) are accepted
// only from the Runtime; Runtime.Enqueue rejects them when they come
// from callers outside the package.
type Command struct {
	Kind CommandKind

	// AuthToken carries the AUTHENTICATE argument: hex cookie, a
	// SAFECOOKIE response, or a quoted password. Empty means no
	// argument (tor configured with NullAuth).
	AuthToken string

	// Keys parameterizes InfoGet (GETINFO) and ConfigGet (GETCONF).
	Keys []string

	// Settings parameterizes ConfigLoad (LOADCONF): the full config
	// text to apply.
	Settings string

	// KeyValues parameterizes ConfigSet (SETCONF).
	KeyValues map[string]string

	// FromAddr/ToAddr parameterize MapAddress.
	FromAddr, ToAddr string

	// OnionAdd parameterizes CmdOnionAdd.
	OnionAdd OnionAddSpec
	// OnionServiceID parameterizes CmdOnionDelete (DEL_ONION).
	OnionServiceID string

	// ClientAuthServiceID parameterizes the OnionClientAuth* family.
	ClientAuthServiceID string
	// ClientAuthPrivateKey parameterizes ONION_CLIENT_AUTH_ADD.
	ClientAuthPrivateKey string
	// ClientAuthName parameterizes ONION_CLIENT_AUTH_ADD (optional tag).
	ClientAuthName string

	// Events parameterizes SetEvents (SETEVENTS).
	Events []string

	// Signal parameterizes CmdSignal.
	Signal SignalKind

	// HsFetchAddress parameterizes HsFetch (HSFETCH).
	HsFetchAddress string
}

// privileged reports whether this command may only be submitted by the
// Runtime itself, never by an external caller through the unprivileged
// command API.
func (c Command) privileged() bool {
	switch c.Kind {
	case CmdAuthenticate, CmdConfigLoad, CmdOwnershipTake, CmdOwnershipDrop:
		return true
	case CmdSignal:
		return c.Signal == SignalShutdown || c.Signal == SignalHalt
	default:
		return false
	}
}

// keyword returns the protocol keyword used for latency metrics and log
// labels.
func (c Command) keyword() string {
	switch c.Kind {
	case CmdAuthenticate:
		return "AUTHENTICATE"
	case CmdConfigGet:
		return "GETCONF"
	case CmdConfigLoad:
		return "LOADCONF"
	case CmdConfigReset:
		return "RESETCONF"
	case CmdConfigSave:
		return "SAVECONF"
	case CmdConfigSet:
		return "SETCONF"
	case CmdDropGuards:
		return "DROPGUARDS"
	case CmdHsFetch:
		return "HSFETCH"
	case CmdInfoGet:
		return "GETINFO"
	case CmdMapAddress:
		return "MAPADDRESS"
	case CmdOnionAdd:
		return "ADD_ONION"
	case CmdOnionDelete:
		return "DEL_ONION"
	case CmdOnionClientAuthAdd:
		return "ONION_CLIENT_AUTH_ADD"
	case CmdOnionClientAuthRemove:
		return "ONION_CLIENT_AUTH_REMOVE"
	case CmdOnionClientAuthView:
		return "ONION_CLIENT_AUTH_VIEW"
	case CmdOwnershipTake:
		return "TAKEOWNERSHIP"
	case CmdOwnershipDrop:
		return "DROPOWNERSHIP"
	case CmdResolve:
		return "RESOLVE"
	case CmdSetEvents:
		return "SETEVENTS"
	case CmdSignal:
		return "SIGNAL"
	default:
		return string(c.Kind)
	}
}

// encode renders the command's wire request line. ADD_ONION and
// ONION_CLIENT_AUTH_* arguments are never included verbatim in returned
// log-friendly forms (see redactedForLog); the wire form here still
// carries the real key material, since this is what is written to the
// socket.
func (c Command) encode() (string, error) {
	switch c.Kind {
	case CmdAuthenticate:
		if c.AuthToken == "" {
			return "AUTHENTICATE", nil
		}
		return "AUTHENTICATE " + c.AuthToken, nil
	case CmdConfigGet:
		if len(c.Keys) == 0 {
			return "", newError(ErrInvalidConfig, opCommand, "GETCONF requires at least one key", nil)
		}
		return "GETCONF " + strings.Join(c.Keys, " "), nil
	case CmdConfigLoad:
		return "+LOADCONF\r\n" + c.Settings + "\r\n.", nil
	case CmdConfigReset:
		if len(c.Keys) == 0 {
			return "", newError(ErrInvalidConfig, opCommand, "RESETCONF requires at least one key", nil)
		}
		return "RESETCONF " + strings.Join(c.Keys, " "), nil
	case CmdConfigSave:
		return "SAVECONF", nil
	case CmdConfigSet:
		if len(c.KeyValues) == 0 {
			return "", newError(ErrInvalidConfig, opCommand, "SETCONF requires at least one key/value", nil)
		}
		return "SETCONF " + encodeKeyValues(c.KeyValues), nil
	case CmdDropGuards:
		return "DROPGUARDS", nil
	case CmdHsFetch:
		if c.HsFetchAddress == "" {
			return "", newError(ErrInvalidConfig, opCommand, "HSFETCH requires an address", nil)
		}
		return "HSFETCH " + c.HsFetchAddress, nil
	case CmdInfoGet:
		if len(c.Keys) == 0 {
			return "", newError(ErrInvalidConfig, opCommand, "GETINFO requires at least one key", nil)
		}
		return "GETINFO " + strings.Join(c.Keys, " "), nil
	case CmdMapAddress:
		if c.FromAddr == "" || c.ToAddr == "" {
			return "", newError(ErrInvalidConfig, opCommand, "MAPADDRESS requires FromAddr and ToAddr", nil)
		}
		return fmt.Sprintf("MAPADDRESS %s=%s", c.FromAddr, c.ToAddr), nil
	case CmdOnionAdd:
		return encodeOnionAdd(c.OnionAdd)
	case CmdOnionDelete:
		if c.OnionServiceID == "" {
			return "", newError(ErrInvalidConfig, opCommand, "DEL_ONION requires a ServiceID", nil)
		}
		return "DEL_ONION " + strings.TrimSuffix(c.OnionServiceID, ".onion"), nil
	case CmdOnionClientAuthAdd:
		if c.ClientAuthServiceID == "" || c.ClientAuthPrivateKey == "" {
			return "", newError(ErrInvalidConfig, opCommand, "ONION_CLIENT_AUTH_ADD requires ServiceID and PrivateKey", nil)
		}
		line := fmt.Sprintf("ONION_CLIENT_AUTH_ADD %s %s", c.ClientAuthServiceID, c.ClientAuthPrivateKey)
		if c.ClientAuthName != "" {
			line += " ClientName=" + quoteArg(c.ClientAuthName)
		}
		return line, nil
	case CmdOnionClientAuthRemove:
		if c.ClientAuthServiceID == "" {
			return "", newError(ErrInvalidConfig, opCommand, "ONION_CLIENT_AUTH_REMOVE requires ServiceID", nil)
		}
		return "ONION_CLIENT_AUTH_REMOVE " + c.ClientAuthServiceID, nil
	case CmdOnionClientAuthView:
		if c.ClientAuthServiceID == "" {
			return "ONION_CLIENT_AUTH_VIEW", nil
		}
		return "ONION_CLIENT_AUTH_VIEW " + c.ClientAuthServiceID, nil
	case CmdOwnershipTake:
		return "TAKEOWNERSHIP", nil
	case CmdOwnershipDrop:
		return "DROPOWNERSHIP", nil
	case CmdResolve:
		if c.FromAddr == "" {
			return "", newError(ErrInvalidConfig, opCommand, "RESOLVE requires an address", nil)
		}
		return "RESOLVE " + c.FromAddr, nil
	case CmdSetEvents:
		return "SETEVENTS " + strings.Join(c.Events, " "), nil
	case CmdSignal:
		if c.Signal == "" {
			return "", newError(ErrInvalidConfig, opCommand, "SIGNAL requires a signal name", nil)
		}
		return "SIGNAL " + string(c.Signal), nil
	default:
		return "", newError(ErrInvalidConfig, opCommand, "unknown command kind: "+string(c.Kind), nil)
	}
}

// redactedForLog renders a log-safe form of the command, replacing key
// material in ADD_ONION and ONION_CLIENT_AUTH_* commands with a
// redaction marker so it is never logged verbatim.
func (c Command) redactedForLog() string {
	switch c.Kind {
	case CmdOnionAdd:
		return "ADD_ONION " + redactedArg
	case CmdOnionClientAuthAdd:
		return "ONION_CLIENT_AUTH_ADD " + c.ClientAuthServiceID + " " + redactedArg
	default:
		line, err := c.encode()
		if err != nil {
			return c.keyword()
		}
		return line
	}
}

// encodeKeyValues renders SETCONF's "key=value key2=value2" argument
// list in a deterministic (sorted by key) order.
func encodeKeyValues(kv map[string]string) string {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+quoteArg(kv[k]))
	}
	return strings.Join(parts, " ")
}

// encodeOnionAdd renders ADD_ONION's "KeyType:KeyBlob Port=... Flags=...
// ClientAuth=..." argument list.
func encodeOnionAdd(spec OnionAddSpec) (string, error) {
	if len(spec.Ports) == 0 {
		return "", newError(ErrInvalidConfig, opCommand, "ADD_ONION requires at least one port mapping", nil)
	}
	var key string
	if spec.PrivateKey == nil {
		key = "NEW:" + string(OnionKeyED25519V3)
	} else {
		key = spec.PrivateKey.String()
	}

	virts := make([]int, 0, len(spec.Ports))
	for v := range spec.Ports {
		virts = append(virts, v)
	}
	sort.Ints(virts)

	parts := []string{"ADD_ONION", key}
	for _, virt := range virts {
		parts = append(parts, fmt.Sprintf("Port=%d,%s", virt, spec.Ports[virt]))
	}
	if len(spec.Flags) > 0 {
		parts = append(parts, "Flags="+strings.Join(spec.Flags, ","))
	}
	for _, pk := range spec.ClientAuthV3 {
		parts = append(parts, "ClientAuth="+pk)
	}
	return strings.Join(parts, " "), nil
}

// newNymRateLimitPrefix is the async NOTICE payload prefix tor emits
// when it throttles a SIGNAL NEWNYM request, per spec.md §4.3.
const newNymRateLimitPrefix = "Rate limiting NEWNYM request: delaying by "

// NewNymResult is SIGNAL NEWNYM's typed result: the signal always
// succeeds on a 2xx reply, and a "Rate limiting NEWNYM request:
// delaying by …" NOTICE observed on the event stream around the same
// time is folded in as an indication rather than only surfacing as a
// separate NOTICE event, per spec.md §4.3.
type NewNymResult struct {
	// RateLimited is true when a matching NOTICE was observed.
	RateLimited bool
	// Notice carries the matching NOTICE's payload, if RateLimited.
	Notice string
}

// isNewNymSignal reports whether c is SIGNAL NEWNYM, the only command
// whose success result the Session folds an async NOTICE into.
func (c Command) isNewNymSignal() bool {
	return c.Kind == CmdSignal && c.Signal == SignalNewNym
}

// parseReply converts the accumulated reply-frame payload lines for a
// completed command into its typed result, per §4.3's per-command
// result-parsing policy.
func (c Command) parseReply(lines []string) (any, error) {
	switch c.Kind {
	case CmdInfoGet:
		return parseGetInfoReply(lines), nil
	case CmdConfigGet:
		return parseGetConfReply(lines), nil
	case CmdOnionAdd:
		return parseAddOnionReply(lines)
	case CmdOnionClientAuthView:
		return parseClientAuthViewReply(lines), nil
	case CmdMapAddress:
		return parseMapAddressReply(lines, c.ToAddr), nil
	default:
		return nil, nil
	}
}

// parseGetInfoReply accumulates key=value for inline replies; a
// preceding key whose line ends with "=" is the opener for a data-block
// payload, whose subsequent lines are joined as that key's value.
func parseGetInfoReply(lines []string) map[string]string {
	result := make(map[string]string)
	var pendingKey string
	var pendingBody []string
	flush := func() {
		if pendingKey != "" {
			result[pendingKey] = strings.Join(pendingBody, "\n")
			pendingKey = ""
			pendingBody = nil
		}
	}
	for _, line := range lines {
		if idx := strings.Index(line, "="); idx >= 0 && pendingKey == "" {
			key, val := line[:idx], line[idx+1:]
			if val == "" {
				pendingKey = key
				continue
			}
			result[key] = val
			continue
		}
		if pendingKey != "" {
			pendingBody = append(pendingBody, line)
		}
	}
	flush()
	return result
}

// parseGetConfReply groups GETCONF's "keyword=value" or bare "keyword"
// lines into ConfigEntry values, the latter indicating a default value.
func parseGetConfReply(lines []string) []ConfigEntry {
	entries := make([]ConfigEntry, 0, len(lines))
	for _, line := range lines {
		if idx := strings.Index(line, "="); idx >= 0 {
			entries = append(entries, ConfigEntry{
				Keyword:   line[:idx],
				Argument:  line[idx+1:],
				IsDefault: line[idx+1:] == "",
			})
			continue
		}
		entries = append(entries, ConfigEntry{Keyword: line, IsDefault: true})
	}
	return entries
}

// parseAddOnionReply scans ADD_ONION reply lines for ServiceID=,
// PrivateKey=, and ClientAuthV3= and assembles a HiddenServiceEntry.
func parseAddOnionReply(lines []string) (HiddenServiceEntry, error) {
	var entry HiddenServiceEntry
	var serviceID string
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "ServiceID="):
			serviceID = strings.TrimPrefix(line, "ServiceID=")
		case strings.HasPrefix(line, "PrivateKey="):
			pk, err := ParseOnionPrivateKey(strings.TrimPrefix(line, "PrivateKey="))
			if err != nil {
				return HiddenServiceEntry{}, err
			}
			entry.PrivateKey = &pk
		case strings.HasPrefix(line, "ClientAuthV3="):
			entry.ClientAuthKeys = append(entry.ClientAuthKeys, strings.TrimPrefix(line, "ClientAuthV3="))
		}
	}
	if serviceID == "" {
		return HiddenServiceEntry{}, newError(ErrProtocolViolation, opCommand, "ADD_ONION reply missing ServiceID", nil)
	}
	addr, err := ParseOnionAddress(serviceID)
	if err != nil {
		return HiddenServiceEntry{}, err
	}
	entry.PublicKey = addr
	return entry, nil
}

// parseClientAuthViewReply parses ONION_CLIENT_AUTH_VIEW's
// "CLIENT <service> <pubkey> [ClientName=name]" lines into a map from
// service ID to its client-auth public keys.
func parseClientAuthViewReply(lines []string) map[string][]string {
	result := make(map[string][]string)
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] != "CLIENT" {
			continue
		}
		service, key := fields[1], fields[2]
		result[service] = append(result[service], key)
	}
	return result
}

// parseMapAddressReply returns the mapped-to address from a MAPADDRESS
// reply, falling back to the address originally requested.
func parseMapAddressReply(lines []string, fallback string) string {
	for _, line := range lines {
		if idx := strings.Index(line, "="); idx >= 0 {
			return line[idx+1:]
		}
	}
	return fallback
}

// parseBootstrapLine extracts the percentage N from a
// "Bootstrapped N% (tag): ..." process log line.
func parseBootstrapLine(line string) (int, bool) {
	const marker = "Bootstrapped "
	idx := strings.Index(line, marker)
	if idx < 0 {
		return 0, false
	}
	rest := line[idx+len(marker):]
	pct := strings.IndexByte(rest, '%')
	if pct < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest[:pct]))
	if err != nil {
		return 0, false
	}
	return n, true
}
