package wireguard

import (
	"strconv"
	"strings"
	"time"

	"github.com/yllada/wg-manager/common"
)

// noneField is the driver's placeholder for an absent optional column.
const noneField = "(none)"

// dumpColumns is the column count of a peer row in `wg show <iface> dump`:
// public key, preshared key, endpoint, allowed ips, latest handshake,
// received bytes, sent bytes, keepalive.
const dumpColumns = 8

// ParseDump parses the output of `wg show <iface> dump` into per-peer
// session stats keyed by public key.
//
// The first line describes the interface itself and is skipped. A
// malformed peer row is logged and skipped rather than failing the whole
// parse, so one bad record cannot hide metrics for every other peer.
// Absent optional columns map to semantic absence, not zero: a peer with
// zero transferred bytes is distinct from one that never connected.
func ParseDump(text string) map[string]SessionStats {
	stats := make(map[string]SessionStats)

	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) <= 1 {
		return stats
	}

	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		row, err := parseDumpRow(line)
		if err != nil {
			common.LogWarn("skipping malformed dump row: %v", err)
			continue
		}
		stats[row.PublicKey] = row
	}

	return stats
}

func parseDumpRow(line string) (SessionStats, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < dumpColumns {
		return SessionStats{}, strconv.ErrSyntax
	}

	handshake, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return SessionStats{}, err
	}
	received, err := strconv.ParseUint(fields[5], 10, 64)
	if err != nil {
		return SessionStats{}, err
	}
	sent, err := strconv.ParseUint(fields[6], 10, 64)
	if err != nil {
		return SessionStats{}, err
	}

	row := SessionStats{
		PublicKey:       fields[0],
		HasPresharedKey: fields[1] != noneField,
		BytesReceived:   received,
		BytesSent:       sent,
	}
	if fields[2] != noneField {
		row.Endpoint = fields[2]
	}
	if fields[3] != noneField && fields[3] != "" {
		for _, entry := range strings.Split(fields[3], ",") {
			row.AllowedRanges = append(row.AllowedRanges, strings.TrimSpace(entry))
		}
	}
	// Handshake epoch 0 means the peer has never completed a handshake.
	if handshake > 0 {
		row.LastHandshake = time.Unix(handshake, 0)
	}
	if fields[7] != "off" && fields[7] != noneField {
		keepalive, err := strconv.Atoi(fields[7])
		if err != nil {
			return SessionStats{}, err
		}
		row.Keepalive = keepalive
	}

	return row, nil
}
