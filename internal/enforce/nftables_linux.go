//go:build linux
// +build linux

package enforce

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/stackhaven/warden/internal/logging"
	"github.com/stackhaven/warden/internal/policy"
)

// NFTDriver implements Driver on top of google/nftables. Each filter gets
// its own regular chain inside a dedicated table; Flush replaces the chain
// contents atomically in one netlink batch.
type NFTDriver struct {
	mu        sync.Mutex
	conn      *nftables.Conn
	table     *nftables.Table
	tableName string
	family    nftables.TableFamily
	chains    map[string]string // enforcement UUID -> chain name
	log       *logging.Logger
}

// NewNFTDriver opens a netlink connection and ensures the table exists.
func NewNFTDriver(tableName string, log *logging.Logger) (*NFTDriver, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to open nftables connection: %w", err)
	}

	family := nftables.TableFamilyINet

	tables, err := conn.ListTables()
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}

	var table *nftables.Table
	for _, t := range tables {
		if t.Name == tableName && t.Family == family {
			table = t
			break
		}
	}
	if table == nil {
		table = conn.AddTable(&nftables.Table{Name: tableName, Family: family})
		if err := conn.Flush(); err != nil {
			return nil, fmt.Errorf("failed to create table %s: %w", tableName, err)
		}
	}

	d := &NFTDriver{
		conn:      conn,
		table:     table,
		tableName: tableName,
		family:    family,
		chains:    make(map[string]string),
		log:       log.WithComponent("nftables"),
	}

	// Rediscover chains created by a previous run. The enforcement UUID is
	// encoded in the chain name so no extra state file is needed.
	chains, err := conn.ListChainsOfTableFamily(family)
	if err != nil {
		return nil, fmt.Errorf("failed to list chains: %w", err)
	}
	for _, c := range chains {
		if c.Table.Name != tableName {
			continue
		}
		if id, ok := strings.CutPrefix(c.Name, "flt-"); ok {
			d.chains[id] = c.Name
		}
	}

	return d, nil
}

func (d *NFTDriver) getChain(chainName string) (*nftables.Chain, error) {
	chains, err := d.conn.ListChainsOfTableFamily(d.family)
	if err != nil {
		return nil, fmt.Errorf("failed to list chains: %w", err)
	}
	for _, c := range chains {
		if c.Table.Name == d.tableName && c.Name == chainName {
			return c, nil
		}
	}
	return nil, fmt.Errorf("chain %s not found in table %s", chainName, d.tableName)
}

// CreateFilter creates a chain for the filter and returns its enforcement
// UUID. The chain name embeds the UUID so restarts can rediscover it.
func (d *NFTDriver) CreateFilter(ctx context.Context, name, description, chain string, kind policy.FilterKind) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := uuid.NewString()
	chainName := "flt-" + id

	d.conn.AddChain(&nftables.Chain{
		Table: d.table,
		Name:  chainName,
	})
	if err := d.conn.Flush(); err != nil {
		return "", fmt.Errorf("failed to create chain for %s: %w", name, err)
	}

	d.chains[id] = chainName
	d.log.Debug("created enforcement chain", "filter", name, "chain", chainName, "kind", string(kind))
	return id, nil
}

// CreateRule appends one rule to the filter's chain.
func (d *NFTDriver) CreateRule(ctx context.Context, filterUUID string, r policy.Rule) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	chainName, ok := d.chains[filterUUID]
	if !ok {
		return "", fmt.Errorf("unknown enforcement filter %s", filterUUID)
	}
	chain, err := d.getChain(chainName)
	if err != nil {
		return "", err
	}

	ruleID := uuid.NewString()
	if err := d.addRule(chain, ruleID, r); err != nil {
		return "", err
	}
	if err := d.conn.Flush(); err != nil {
		return "", fmt.Errorf("failed to commit rule: %w", err)
	}
	return ruleID, nil
}

// DeleteRule removes the rule whose UserData carries the given id.
func (d *NFTDriver) DeleteRule(ctx context.Context, filterUUID, ruleID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	chainName, ok := d.chains[filterUUID]
	if !ok {
		return fmt.Errorf("unknown enforcement filter %s", filterUUID)
	}
	chain, err := d.getChain(chainName)
	if err != nil {
		return err
	}

	rules, err := d.conn.GetRules(d.table, chain)
	if err != nil {
		return fmt.Errorf("failed to get rules: %w", err)
	}
	for _, rule := range rules {
		if strings.HasPrefix(string(rule.UserData), ruleID) {
			if err := d.conn.DelRule(rule); err != nil {
				return fmt.Errorf("failed to delete rule: %w", err)
			}
		}
	}
	return d.conn.Flush()
}

// Flush replaces the chain contents with the resolved rule set in a single
// batch, so enforcement never observes a half-applied filter.
func (d *NFTDriver) Flush(ctx context.Context, filterUUID string, rules []policy.Rule) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	chainName, ok := d.chains[filterUUID]
	if !ok {
		return fmt.Errorf("unknown enforcement filter %s", filterUUID)
	}
	chain, err := d.getChain(chainName)
	if err != nil {
		return err
	}

	d.conn.FlushChain(chain)
	for _, r := range rules {
		if err := d.addRule(chain, r.ID, r); err != nil {
			return err
		}
	}
	if err := d.conn.Flush(); err != nil {
		return fmt.Errorf("failed to commit chain %s: %w", chainName, err)
	}

	d.log.Debug("flushed enforcement chain", "chain", chainName, "rules", len(rules))
	return nil
}

// addRule queues one rule on the connection without committing.
func (d *NFTDriver) addRule(chain *nftables.Chain, ruleID string, r policy.Rule) error {
	var exprs []expr.Any

	proto, err := protocolNumber(r.Protocol)
	if err != nil {
		return err
	}
	if proto != 0 {
		exprs = append(exprs,
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
		)
	}

	if e, err := cidrMatch(r.SrcIP, r.SrcMask, 12); err != nil {
		return err
	} else {
		exprs = append(exprs, e...)
	}
	if e, err := cidrMatch(r.DstIP, r.DstMask, 16); err != nil {
		return err
	} else {
		exprs = append(exprs, e...)
	}

	if proto == unix.IPPROTO_TCP || proto == unix.IPPROTO_UDP || proto == unix.IPPROTO_SCTP {
		exprs = append(exprs, portMatch(0, r.SrcPortStart, r.SrcPortEnd)...)
		exprs = append(exprs, portMatch(2, r.DstPortStart, r.DstPortEnd)...)
	}

	if r.State != "" {
		exprs = append(exprs, ctStateMatch(r.State)...)
	}

	switch r.Action {
	case policy.ActionAccept:
		exprs = append(exprs, &expr.Verdict{Kind: expr.VerdictAccept})
	case policy.ActionDrop:
		exprs = append(exprs, &expr.Verdict{Kind: expr.VerdictDrop})
	case policy.ActionReject:
		exprs = append(exprs, &expr.Reject{
			Type: unix.NFT_REJECT_ICMPX_UNREACH,
			Code: unix.NFT_REJECT_ICMPX_PORT_UNREACH,
		})
	default:
		return fmt.Errorf("unknown action %q", r.Action)
	}

	userData := ruleID
	if r.Comment != "" {
		userData += " " + r.Comment
	}

	d.conn.AddRule(&nftables.Rule{
		Table:    d.table,
		Chain:    chain,
		Exprs:    exprs,
		UserData: []byte(userData),
	})
	return nil
}

func protocolNumber(protocol string) (uint8, error) {
	switch protocol {
	case "tcp":
		return unix.IPPROTO_TCP, nil
	case "udp":
		return unix.IPPROTO_UDP, nil
	case "sctp":
		return unix.IPPROTO_SCTP, nil
	case "icmp":
		return unix.IPPROTO_ICMP, nil
	case "icmpv6":
		return unix.IPPROTO_ICMPV6, nil
	case "all", "":
		return 0, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q", protocol)
	}
}

// portMatch builds a transport-header match at the given offset.
// start == 0 means no port constraint.
func portMatch(offset uint32, start, end int) []expr.Any {
	if start == 0 {
		return nil
	}
	exprs := []expr.Any{
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseTransportHeader,
			Offset:       offset,
			Len:          2,
		},
	}
	if end == 0 || end == start {
		return append(exprs, &expr.Cmp{
			Op:       expr.CmpOpEq,
			Register: 1,
			Data:     binaryutil.BigEndian.PutUint16(uint16(start)),
		})
	}
	return append(exprs,
		&expr.Cmp{
			Op:       expr.CmpOpGte,
			Register: 1,
			Data:     binaryutil.BigEndian.PutUint16(uint16(start)),
		},
		&expr.Cmp{
			Op:       expr.CmpOpLte,
			Register: 1,
			Data:     binaryutil.BigEndian.PutUint16(uint16(end)),
		},
	)
}

// cidrMatch builds an IPv4 address match at the given network-header offset
// (12 for source, 16 for destination).
func cidrMatch(ip, mask string, offset uint32) ([]expr.Any, error) {
	if ip == "" {
		return nil, nil
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return nil, fmt.Errorf("invalid IP %q", ip)
	}
	addr4 := addr.To4()
	if addr4 == nil {
		return nil, fmt.Errorf("only IPv4 addresses supported: %s", ip)
	}

	ipMask := net.IPv4Mask(255, 255, 255, 255)
	if mask != "" {
		m := net.ParseIP(mask)
		if m == nil || m.To4() == nil {
			return nil, fmt.Errorf("invalid netmask %q", mask)
		}
		ipMask = net.IPMask(m.To4())
	}

	return []expr.Any{
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       offset,
			Len:          4,
		},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           ipMask,
			Xor:            []byte{0, 0, 0, 0},
		},
		&expr.Cmp{
			Op:       expr.CmpOpEq,
			Register: 1,
			Data:     addr4.Mask(ipMask),
		},
	}, nil
}

func ctStateMatch(state string) []expr.Any {
	var stateBits uint32
	for _, s := range strings.Split(state, ",") {
		switch strings.TrimSpace(s) {
		case "new":
			stateBits |= expr.CtStateBitNEW
		case "established":
			stateBits |= expr.CtStateBitESTABLISHED
		case "related":
			stateBits |= expr.CtStateBitRELATED
		case "invalid":
			stateBits |= expr.CtStateBitINVALID
		}
	}
	if stateBits == 0 {
		return nil
	}
	return []expr.Any{
		&expr.Ct{Key: expr.CtKeySTATE, Register: 1},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           binaryutil.NativeEndian.PutUint32(stateBits),
			Xor:            []byte{0, 0, 0, 0},
		},
		&expr.Cmp{
			Op:       expr.CmpOpNeq,
			Register: 1,
			Data:     []byte{0, 0, 0, 0},
		},
	}
}
