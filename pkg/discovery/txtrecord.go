package discovery

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodeTXT creates the TXT records for info.
func EncodeTXT(info PeerInfo) TXTRecordMap {
	txt := TXTRecordMap{
		TXTKeyVersion: fmt.Sprintf("%d.%d", info.ProtocolMajor, info.ProtocolMinor),
		TXTKeySecure:  "0",
	}
	if info.Secure {
		txt[TXTKeySecure] = "1"
		txt[TXTKeyCiphers] = encodeVersions(info.CipherVersions)
	}
	if info.WSPath != "" {
		txt[TXTKeyWSPath] = info.WSPath
	}
	if info.ID != "" {
		txt[TXTKeyID] = info.ID
	}
	return txt
}

// DecodeTXT parses TXT records. Instance and Port are left to the caller.
func DecodeTXT(txt TXTRecordMap) (PeerInfo, error) {
	var info PeerInfo

	v, ok := txt[TXTKeyVersion]
	if !ok {
		return info, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyVersion)
	}
	major, minor, ok := strings.Cut(v, ".")
	if !ok {
		return info, fmt.Errorf("%w: version %q", ErrInvalidTXTRecord, v)
	}
	maj, err := strconv.ParseUint(major, 10, 8)
	if err != nil {
		return info, fmt.Errorf("%w: version %q", ErrInvalidTXTRecord, v)
	}
	mnr, err := strconv.ParseUint(minor, 10, 8)
	if err != nil {
		return info, fmt.Errorf("%w: version %q", ErrInvalidTXTRecord, v)
	}
	info.ProtocolMajor, info.ProtocolMinor = uint8(maj), uint8(mnr)

	switch sec := txt[TXTKeySecure]; sec {
	case "1":
		info.Secure = true
	case "0", "":
	default:
		return info, fmt.Errorf("%w: sec %q", ErrInvalidTXTRecord, sec)
	}

	if info.Secure {
		s, ok := txt[TXTKeyCiphers]
		if !ok {
			return info, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyCiphers)
		}
		if info.CipherVersions, err = parseVersions(s); err != nil {
			return info, err
		}
	}

	info.WSPath = txt[TXTKeyWSPath]
	info.ID = txt[TXTKeyID]
	return info, nil
}

func encodeVersions(versions []uint16) string {
	sorted := slices.Clone(versions)
	slices.Sort(sorted)
	strs := make([]string, len(sorted))
	for i, v := range sorted {
		strs[i] = strconv.FormatUint(uint64(v), 10)
	}
	return strings.Join(strs, ",")
}

func parseVersions(s string) ([]uint16, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]uint16, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid cipher version %q", ErrInvalidTXTRecord, p)
		}
		out = append(out, uint16(n))
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// TXTRecordsToStrings converts a TXTRecordMap to sorted "key=value" strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, k+"="+v)
	}
	slices.Sort(result)
	return result
}

// StringsToTXTRecords parses "key=value" strings. A bare key maps to "".
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap, len(strs))
	for _, s := range strs {
		k, v, _ := strings.Cut(s, "=")
		if k != "" {
			txt[k] = v
		}
	}
	return txt
}

// ValidateInstanceName checks if an instance name is valid for mDNS.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInstanceNameTooLong)
	}
	if len(name) > MaxInstanceNameLen {
		return ErrInstanceNameTooLong
	}
	return nil
}
