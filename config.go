package tormgr

import (
	"fmt"
	"io"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const opConfig = "Config"

// maxUnixSocketPathBytes is the kernel-imposed sun_path limit (struct
// sockaddr_un) that a `unix:"…"` port value must respect.
const maxUnixSocketPathBytes = 104

// SettingKeyword is a keyword from TorConfig's closed catalogue: the
// small set of torrc options this package knows how to build, validate,
// and serialize. Unrecognized keywords may still be carried via
// WithSetting/WithSettingsFromYAML as an escape hatch, but only the
// keywords below participate in minimum-startup-subset computation and
// port/unix-socket validation.
type SettingKeyword string

const (
	KeywordDataDirectory           SettingKeyword = "DataDirectory"
	KeywordCacheDirectory          SettingKeyword = "CacheDirectory"
	KeywordControlPortWriteToFile  SettingKeyword = "ControlPortWriteToFile"
	KeywordCookieAuthentication    SettingKeyword = "CookieAuthentication"
	KeywordCookieAuthFile          SettingKeyword = "CookieAuthFile"
	KeywordSocksPort               SettingKeyword = "SocksPort"
	KeywordControlPort             SettingKeyword = "ControlPort"
	KeywordDNSPort                 SettingKeyword = "DNSPort"
	KeywordTransPort               SettingKeyword = "TransPort"
	KeywordSocksPortHidden         SettingKeyword = "__SocksPort"
	KeywordControlPortHidden       SettingKeyword = "__ControlPort"
	KeywordDisableNetwork          SettingKeyword = "DisableNetwork"
	KeywordRunAsDaemon             SettingKeyword = "RunAsDaemon"
	KeywordOwningControllerProcess SettingKeyword = "__OwningControllerProcess"
	KeywordReloadTorrcOnSIGHUP     SettingKeyword = "__ReloadTorrcOnSIGHUP"
	KeywordHiddenServiceDir        SettingKeyword = "HiddenServiceDir"
	KeywordHiddenServicePort       SettingKeyword = "HiddenServicePort"
	KeywordHiddenServiceVersion    SettingKeyword = "HiddenServiceVersion"
	KeywordLog                     SettingKeyword = "Log"
	KeywordClientUseIPv6           SettingKeyword = "ClientUseIPv6"
)

// portKeywords are the keywords whose argument is validated as a port
// value: a TCP port number, "auto", or a unix socket path.
var portKeywords = map[SettingKeyword]bool{
	KeywordSocksPort:         true,
	KeywordControlPort:       true,
	KeywordDNSPort:           true,
	KeywordTransPort:         true,
	KeywordSocksPortHidden:   true,
	KeywordControlPortHidden: true,
}

// unixCapableKeywords are the port keywords tor allows to bind a
// filesystem socket; DNSPort/TransPort are TCP/transparent-proxy only.
var unixCapableKeywords = map[SettingKeyword]bool{
	KeywordSocksPort:         true,
	KeywordControlPort:       true,
	KeywordSocksPortHidden:   true,
	KeywordControlPortHidden: true,
}

// singleValueKeywords replace an earlier value with a later one rather
// than accumulating multiple lines, matching tor's own "last wins" or
// single-line semantics for these options.
var singleValueKeywords = map[SettingKeyword]bool{
	KeywordDataDirectory:           true,
	KeywordCacheDirectory:          true,
	KeywordControlPortWriteToFile:  true,
	KeywordCookieAuthentication:    true,
	KeywordCookieAuthFile:          true,
	KeywordDisableNetwork:          true,
	KeywordRunAsDaemon:             true,
	KeywordOwningControllerProcess: true,
	KeywordReloadTorrcOnSIGHUP:     true,
	KeywordClientUseIPv6:           true,
}

// LineItem is one value of a Setting: a keyword's arguments plus any
// trailing flags (e.g. SocksPort's "IsolateDestPort" family).
type LineItem struct {
	Args  []string
	Flags []string
}

// render joins a LineItem's args and flags into the torrc argument
// string, C-escaping any value that needs it.
func (li LineItem) render() string {
	parts := make([]string, 0, len(li.Args)+len(li.Flags))
	for _, a := range li.Args {
		parts = append(parts, quoteTorrcValue(a))
	}
	parts = append(parts, li.Flags...)
	return strings.Join(parts, " ")
}

// Setting is a single torrc keyword plus one or more LineItems. Most
// keywords carry exactly one LineItem; port and Log keywords may carry
// several, each emitted on its own line in insertion order.
type Setting struct {
	Keyword SettingKeyword
	Items   []LineItem
}

// hiddenServiceBlock groups a HiddenServiceDir with the HiddenService*
// settings that belong to it, guaranteeing the contiguity invariant
// structurally: a block is always emitted as a unit, so no other
// setting can ever be interleaved between a HiddenServiceDir and its
// associated lines.
type hiddenServiceBlock struct {
	dir      string
	version  int
	ports    []hsPort
	extra    []Setting
}

type hsPort struct {
	virtual int
	target  string
}

// configNode is either a plain Setting or a hiddenServiceBlock, kept in
// a single ordered slice so TorConfig preserves overall insertion order
// across both kinds.
type configNode struct {
	setting *Setting
	hs      *hiddenServiceBlock
}

// TorConfig is the in-memory, validated representation of a tor
// configuration: an ordered set of settings built from functional
// options, serializable to torrc text.
type TorConfig struct {
	nodes  []configNode
	prober PortProber
}

// PortProber is consulted before TorConfig emits a numeric port
// argument; if the port is already in use, the argument is advisory-
// rewritten to "auto" (tor authoritatively binds the real port and
// reports it via GETINFO / a listener-open log line regardless).
type PortProber interface {
	Available(network, address string) bool
}

// TorConfigOption mutates a configBuilder while constructing a
// TorConfig via NewTorConfig.
type TorConfigOption func(*configBuilder) error

type configBuilder struct {
	nodes    []configNode
	hsByDir  map[string]int // dir -> index into nodes of its hiddenServiceBlock
	prober   PortProber
}

// NewTorConfig applies opts in order and returns the resulting
// validated TorConfig. Later settings replace earlier ones for
// single-value keywords; ports and hidden-service blocks accumulate.
// Fails with ErrInvalidConfig when a hidden-service block lacks a port,
// a unix-socket path is too long or contains a newline, or a port type
// that does not support unix sockets declares one.
func NewTorConfig(opts ...TorConfigOption) (TorConfig, error) {
	b := &configBuilder{hsByDir: make(map[string]int)}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(b); err != nil {
			return TorConfig{}, err
		}
	}
	cfg := TorConfig{nodes: b.nodes, prober: b.prober}
	if err := cfg.validate(); err != nil {
		return TorConfig{}, err
	}
	return cfg, nil
}

// WithSetting appends a raw Setting, the escape hatch for keywords
// outside the closed catalogue. Single-value keywords in the catalogue
// still replace a prior occurrence; everything else accumulates.
func WithSetting(keyword SettingKeyword, item LineItem) TorConfigOption {
	return func(b *configBuilder) error {
		b.upsert(Setting{Keyword: keyword, Items: []LineItem{item}})
		return nil
	}
}

// WithDataDirectory sets tor's DataDirectory.
func WithDataDirectory(path string) TorConfigOption {
	return WithSetting(KeywordDataDirectory, LineItem{Args: []string{path}})
}

// WithCacheDirectory sets tor's CacheDirectory.
func WithCacheDirectory(path string) TorConfigOption {
	return WithSetting(KeywordCacheDirectory, LineItem{Args: []string{path}})
}

// WithControlPortWriteToFile sets the path tor writes its bound control
// endpoint to once listening, the mechanism the Process Supervisor polls
// for readiness.
func WithControlPortWriteToFile(path string) TorConfigOption {
	return WithSetting(KeywordControlPortWriteToFile, LineItem{Args: []string{path}})
}

// WithCookieAuthFile configures cookie-based control authentication,
// pointing tor at the file it should write the 32-byte auth cookie to.
func WithCookieAuthFile(path string) TorConfigOption {
	return func(b *configBuilder) error {
		b.upsert(Setting{Keyword: KeywordCookieAuthentication, Items: []LineItem{{Args: []string{"1"}}}})
		b.upsert(Setting{Keyword: KeywordCookieAuthFile, Items: []LineItem{{Args: []string{path}}}})
		return nil
	}
}

// WithSocksPort adds a SocksPort line. value is a TCP port number,
// "auto", or a `unix:"/path"` socket (Unix-like hosts only).
func WithSocksPort(value string, flags ...string) TorConfigOption {
	return withPortLine(KeywordSocksPort, value, flags)
}

// WithControlPort adds a ControlPort line.
func WithControlPort(value string, flags ...string) TorConfigOption {
	return withPortLine(KeywordControlPort, value, flags)
}

// WithDNSPort adds a DNSPort line.
func WithDNSPort(value string, flags ...string) TorConfigOption {
	return withPortLine(KeywordDNSPort, value, flags)
}

// WithTransPort adds a TransPort line.
func WithTransPort(value string, flags ...string) TorConfigOption {
	return withPortLine(KeywordTransPort, value, flags)
}

func withPortLine(keyword SettingKeyword, value string, flags []string) TorConfigOption {
	return func(b *configBuilder) error {
		b.appendAccumulate(Setting{Keyword: keyword, Items: []LineItem{{Args: []string{value}, Flags: flags}}})
		return nil
	}
}

// WithDisableNetwork sets DisableNetwork 0 or 1.
func WithDisableNetwork(disabled bool) TorConfigOption {
	v := "0"
	if disabled {
		v = "1"
	}
	return WithSetting(KeywordDisableNetwork, LineItem{Args: []string{v}})
}

// WithOwningControllerProcess sets __OwningControllerProcess to pid,
// the mechanism tor uses to exit when its owning controller's PID
// disappears.
func WithOwningControllerProcess(pid int) TorConfigOption {
	return WithSetting(KeywordOwningControllerProcess, LineItem{Args: []string{strconv.Itoa(pid)}})
}

// WithLog adds a Log line, e.g. WithLog("notice", "stdout").
func WithLog(severity string, target ...string) TorConfigOption {
	return func(b *configBuilder) error {
		args := append([]string{severity}, target...)
		b.appendAccumulate(Setting{Keyword: KeywordLog, Items: []LineItem{{Args: args}}})
		return nil
	}
}

// WithHiddenService declares (or extends, if dir repeats) a hidden
// service block: a HiddenServiceDir followed contiguously by its
// HiddenServiceVersion and HiddenServicePort lines. version 0 defaults
// to 3 (v2 is not supported). ports maps a virtual onion port to a
// "host:port" or `unix:"/path"` target.
func WithHiddenService(dir string, version int, ports map[int]string) TorConfigOption {
	return func(b *configBuilder) error {
		if version == 0 {
			version = 3
		}
		if idx, ok := b.hsByDir[dir]; ok {
			blk := b.nodes[idx].hs
			for _, virt := range sortedKeys(ports) {
				blk.ports = append(blk.ports, hsPort{virtual: virt, target: ports[virt]})
			}
			return nil
		}
		blk := &hiddenServiceBlock{dir: dir, version: version}
		virts := sortedKeys(ports)
		for _, virt := range virts {
			blk.ports = append(blk.ports, hsPort{virtual: virt, target: ports[virt]})
		}
		b.hsByDir[dir] = len(b.nodes)
		b.nodes = append(b.nodes, configNode{hs: blk})
		return nil
	}
}

// WithHiddenServiceExtra appends an additional HiddenService* setting
// (e.g. HiddenServiceMaxStreams) to the block for dir, which must
// already have been declared via WithHiddenService earlier in the
// option list.
func WithHiddenServiceExtra(dir string, keyword SettingKeyword, item LineItem) TorConfigOption {
	return func(b *configBuilder) error {
		idx, ok := b.hsByDir[dir]
		if !ok {
			return newError(ErrInvalidConfig, opConfig, "WithHiddenServiceExtra: no HiddenServiceDir "+dir+" declared yet", nil)
		}
		blk := b.nodes[idx].hs
		blk.extra = append(blk.extra, Setting{Keyword: keyword, Items: []LineItem{item}})
		return nil
	}
}

// WithPortProber registers the port-availability capability the
// builder consults before emitting numeric ports.
func WithPortProber(p PortProber) TorConfigOption {
	return func(b *configBuilder) error {
		b.prober = p
		return nil
	}
}

// yamlSettingsDoc is the shape WithSettingsFromYAML expects: a
// declarative overlay of extra torrc settings, for hosts that prefer to
// declare configuration data rather than call builder functions.
type yamlSettingsDoc struct {
	Settings []struct {
		Keyword string   `yaml:"keyword"`
		Args    []string `yaml:"args"`
		Flags   []string `yaml:"flags"`
	} `yaml:"settings"`
}

// WithSettingsFromYAML decodes a supplementary YAML document of extra
// torrc settings and appends them to the builder. This is additive to
// the functional-options builder, not a replacement for it: it lets a
// host application declare settings data-first (e.g. loaded from its
// own app config file) alongside the builder calls.
func WithSettingsFromYAML(r io.Reader) TorConfigOption {
	return func(b *configBuilder) error {
		var doc yamlSettingsDoc
		dec := yaml.NewDecoder(r)
		if err := dec.Decode(&doc); err != nil {
			if err == io.EOF {
				return nil
			}
			return newError(ErrInvalidConfig, opConfig, "failed to decode YAML settings overlay", err)
		}
		for _, s := range doc.Settings {
			b.appendAccumulate(Setting{
				Keyword: SettingKeyword(s.Keyword),
				Items:   []LineItem{{Args: s.Args, Flags: s.Flags}},
			})
		}
		return nil
	}
}

// upsert replaces the LineItems of an existing single-value Setting or
// appends a new node, depending on keyword's accumulation policy.
func (b *configBuilder) upsert(s Setting) {
	if !singleValueKeywords[s.Keyword] {
		b.appendAccumulate(s)
		return
	}
	for i, n := range b.nodes {
		if n.setting != nil && n.setting.Keyword == s.Keyword {
			b.nodes[i].setting.Items = s.Items
			return
		}
	}
	cp := s
	b.nodes = append(b.nodes, configNode{setting: &cp})
}

// appendAccumulate always appends a new node (accumulating keywords:
// ports, Log, hidden-service extras reached via the raw escape hatch).
func (b *configBuilder) appendAccumulate(s Setting) {
	cp := s
	b.nodes = append(b.nodes, configNode{setting: &cp})
}

func sortedKeys(m map[int]string) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// settingValue returns the last emitted argument for a single-value
// keyword, if present, letting the Runtime check what a user config
// explicitly requested (e.g. DisableNetwork) before overriding it.
func (c TorConfig) settingValue(keyword SettingKeyword) (string, bool) {
	var value string
	found := false
	for _, n := range c.nodes {
		if n.setting == nil || n.setting.Keyword != keyword {
			continue
		}
		for _, item := range n.setting.Items {
			if len(item.Args) > 0 {
				value = item.Args[0]
				found = true
			}
		}
	}
	return value, found
}

// validate enforces TorConfig's build-time invariants: hidden-service
// blocks carry a version and at least one port, and unix-socket port
// values are well-formed and only appear on unix-capable port keywords.
func (c TorConfig) validate() error {
	for _, n := range c.nodes {
		switch {
		case n.setting != nil:
			if err := validatePortSetting(*n.setting); err != nil {
				return err
			}
		case n.hs != nil:
			if err := validateHiddenServiceBlock(*n.hs); err != nil {
				return err
			}
		}
	}
	return nil
}

func validatePortSetting(s Setting) error {
	if !portKeywords[s.Keyword] {
		return nil
	}
	for _, item := range s.Items {
		if len(item.Args) == 0 {
			return newError(ErrInvalidConfig, opConfig, string(s.Keyword)+" requires a value", nil)
		}
		if err := validatePortValue(s.Keyword, item.Args[0]); err != nil {
			return err
		}
	}
	return nil
}

func validatePortValue(keyword SettingKeyword, value string) error {
	if value == "auto" || value == "0" {
		return nil
	}
	if strings.HasPrefix(value, `unix:"`) && strings.HasSuffix(value, `"`) {
		if !unixCapableKeywords[keyword] {
			return newError(ErrInvalidConfig, opConfig, string(keyword)+" does not support unix socket values", nil)
		}
		if !defaultUnixSocketsSupported() {
			return newError(ErrInvalidConfig, opConfig, "unix socket port values are not supported on this platform", nil)
		}
		path := value[len(`unix:"`) : len(value)-1]
		if len(path) > maxUnixSocketPathBytes {
			return newError(ErrInvalidConfig, opConfig,
				fmt.Sprintf("%s unix socket path exceeds %d bytes", keyword, maxUnixSocketPathBytes), nil)
		}
		if strings.ContainsAny(path, "\n\r") {
			return newError(ErrInvalidConfig, opConfig, string(keyword)+" unix socket path contains a newline", nil)
		}
		return nil
	}
	if _, err := strconv.ParseUint(value, 10, 16); err != nil {
		return newError(ErrInvalidConfig, opConfig,
			fmt.Sprintf("%s value %q is not a TCP port, \"auto\", or unix:\"…\"", keyword, value), err)
	}
	return nil
}

func validateHiddenServiceBlock(blk hiddenServiceBlock) error {
	if blk.dir == "" {
		return newError(ErrInvalidConfig, opConfig, "hidden service block has no directory", nil)
	}
	if blk.version != 3 {
		return newError(ErrInvalidConfig, opConfig, "hidden service "+blk.dir+": only v3 is supported", nil)
	}
	if len(blk.ports) == 0 {
		return newError(ErrInvalidConfig, opConfig, "hidden service "+blk.dir+" declares no HiddenServicePort", nil)
	}
	return nil
}

// resolvedPortArg applies the advisory port-prober rewrite: a numeric
// port already in use is rewritten to "auto" before serialization.
func (c TorConfig) resolvedPortArg(keyword SettingKeyword, value string) string {
	if c.prober == nil || value == "auto" || strings.HasPrefix(value, "unix:") {
		return value
	}
	if _, err := strconv.ParseUint(value, 10, 16); err != nil {
		return value
	}
	network := "tcp"
	address := "127.0.0.1:" + value
	if !c.prober.Available(network, address) {
		return "auto"
	}
	return value
}

// Serialize emits one torrc line per line-item, in insertion order,
// with stable output for snapshot testing. Port values are resolved
// through the configured PortProber first.
func (c TorConfig) Serialize() string {
	var b strings.Builder
	for _, n := range c.nodes {
		switch {
		case n.setting != nil:
			writeSetting(&b, c, *n.setting)
		case n.hs != nil:
			writeHiddenServiceBlock(&b, *n.hs)
		}
	}
	return b.String()
}

func writeSetting(b *strings.Builder, c TorConfig, s Setting) {
	for _, item := range s.Items {
		if portKeywords[s.Keyword] && len(item.Args) > 0 {
			resolved := item.Args
			resolved = append([]string(nil), resolved...)
			resolved[0] = c.resolvedPortArg(s.Keyword, resolved[0])
			item = LineItem{Args: resolved, Flags: item.Flags}
		}
		fmt.Fprintf(b, "%s %s\n", s.Keyword, item.render())
	}
}

func writeHiddenServiceBlock(b *strings.Builder, blk hiddenServiceBlock) {
	fmt.Fprintf(b, "%s %s\n", KeywordHiddenServiceDir, quoteTorrcValue(blk.dir))
	fmt.Fprintf(b, "%s %d\n", KeywordHiddenServiceVersion, blk.version)
	for _, p := range blk.ports {
		fmt.Fprintf(b, "%s %d %s\n", KeywordHiddenServicePort, p.virtual, p.target)
	}
	for _, extra := range blk.extra {
		writeSetting(b, TorConfig{}, extra)
	}
}

// MinimumStartupSubset returns the reduced config the Process
// Supervisor writes to the torrc it launches tor with: just enough to
// reach a control-ready state with networking disabled. The full
// config is applied afterward via LOADCONF (see Runtime.Restart).
// SocksPort/ControlPort are rewritten to their double-underscore,
// controller-owned forms so tor does not warn about a config that will
// shortly be replaced.
func (c TorConfig) MinimumStartupSubset(pid int) TorConfig {
	keep := map[SettingKeyword]bool{
		KeywordDataDirectory:          true,
		KeywordCacheDirectory:         true,
		KeywordControlPortWriteToFile: true,
		KeywordCookieAuthentication:   true,
		KeywordCookieAuthFile:         true,
	}
	var nodes []configNode
	for _, n := range c.nodes {
		if n.setting == nil {
			continue
		}
		s := *n.setting
		switch {
		case keep[s.Keyword]:
			nodes = append(nodes, configNode{setting: &s})
		case s.Keyword == KeywordSocksPort:
			nodes = append(nodes, hiddenPortNode(KeywordSocksPortHidden, s))
		case s.Keyword == KeywordControlPort:
			nodes = append(nodes, hiddenPortNode(KeywordControlPortHidden, s))
		}
	}
	nodes = append(nodes,
		settingNode(KeywordDisableNetwork, "1"),
		settingNode(KeywordRunAsDaemon, "0"),
		settingNode(KeywordOwningControllerProcess, strconv.Itoa(pid)),
		settingNode(KeywordReloadTorrcOnSIGHUP, "0"),
	)
	return TorConfig{nodes: nodes, prober: c.prober}
}

func hiddenPortNode(keyword SettingKeyword, s Setting) configNode {
	cp := Setting{Keyword: keyword, Items: s.Items}
	return configNode{setting: &cp}
}

func settingNode(keyword SettingKeyword, value string) configNode {
	s := Setting{Keyword: keyword, Items: []LineItem{{Args: []string{value}}}}
	return configNode{setting: &s}
}

// quoteTorrcValue double-quotes s with C-style escapes when it contains
// whitespace or quotes, the torrc equivalent of the control protocol's
// own argument quoting.
func quoteTorrcValue(s string) string {
	if s == "" {
		return s
	}
	if !strings.ContainsAny(s, " \t\"") {
		return s
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// defaultUnixSocketsSupported reports whether the host platform can use
// `unix:"…"` port values, which Windows cannot.
func defaultUnixSocketsSupported() bool {
	return runtime.GOOS != "windows"
}
