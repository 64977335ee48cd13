// Package lease looks up the IPv4 addresses libvirt's dnsmasq has handed
// out, by MAC address.
//
// Two file formats are read: the JSON <bridge>.status file kept by the
// libvirt leaseshelper, and the classic dnsmasq lease file with one
// "expiry mac ip hostname client-id" line per lease.
package lease

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultStatusFile is the leaseshelper status file of the default
	// network.
	DefaultStatusFile = "/var/lib/libvirt/dnsmasq/virbr0.status"

	// DefaultLeaseFile is the dnsmasq lease file of the default network.
	DefaultLeaseFile = "/var/lib/libvirt/dnsmasq/default.leases"

	statusSuffix = ".status"
)

// DefaultFiles returns the files consulted when none are configured.
func DefaultFiles() []string {
	return []string{DefaultLeaseFile, DefaultStatusFile}
}

// Lease is one address assignment.
type Lease struct {
	MAC      string
	IP       string
	Hostname string
	Expiry   time.Time
}

// DB reads leases from a set of files. Files that do not exist hold no
// leases.
type DB struct {
	files []string
}

// New returns a DB reading files, or DefaultFiles when none are given.
func New(files ...string) *DB {
	if len(files) == 0 {
		files = DefaultFiles()
	}
	return &DB{files: files}
}

// Files returns the files the DB reads.
func (db *DB) Files() []string {
	return db.files
}

// Leases returns every lease in every file, in file order.
func (db *DB) Leases() ([]Lease, error) {
	var all []Lease
	for _, f := range db.files {
		ls, err := readFile(f)
		if err != nil {
			return nil, err
		}
		all = append(all, ls...)
	}
	return all, nil
}

// Lookup returns the address leased to mac. ok is false when there is
// none. MAC comparison ignores case.
func (db *DB) Lookup(mac string) (ip string, ok bool, err error) {
	leases, err := db.Leases()
	if err != nil {
		return "", false, err
	}

	var best *Lease
	for i := range leases {
		l := &leases[i]
		if !strings.EqualFold(l.MAC, mac) {
			continue
		}
		if best == nil || l.Expiry.After(best.Expiry) {
			best = l
		}
	}
	if best == nil {
		return "", false, nil
	}
	return best.IP, true, nil
}

func readFile(path string) ([]Lease, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open lease file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if strings.HasSuffix(path, statusSuffix) {
		ls, err := ParseStatus(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return ls, nil
	}

	ls, err := ParseLeases(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ls, nil
}

type statusEntry struct {
	IPAddress  string `json:"ip-address"`
	MACAddress string `json:"mac-address"`
	Hostname   string `json:"hostname"`
	ClientID   string `json:"client-id"`
	ExpiryTime int64  `json:"expiry-time"`
}

// ParseStatus parses a leaseshelper status file. An empty file holds no
// leases. IPv6 entries are skipped.
func ParseStatus(r io.Reader) ([]Lease, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}

	var entries []statusEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse lease status: %w", err)
	}

	var leases []Lease
	for _, e := range entries {
		if e.MACAddress == "" || strings.Contains(e.IPAddress, ":") {
			continue
		}
		leases = append(leases, Lease{
			MAC:      e.MACAddress,
			IP:       e.IPAddress,
			Hostname: e.Hostname,
			Expiry:   time.Unix(e.ExpiryTime, 0),
		})
	}
	return leases, nil
}

// ParseLeases parses a dnsmasq lease file. Malformed lines and the
// "duid" line of DHCPv6 servers are skipped.
func ParseLeases(r io.Reader) ([]Lease, error) {
	var leases []Lease
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 || fields[0] == "duid" {
			continue
		}
		if strings.Contains(fields[2], ":") {
			continue
		}

		expiry, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}

		l := Lease{MAC: fields[1], IP: fields[2], Expiry: time.Unix(expiry, 0)}
		if len(fields) > 3 && fields[3] != "*" {
			l.Hostname = fields[3]
		}
		leases = append(leases, l)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read leases: %w", err)
	}
	return leases, nil
}
