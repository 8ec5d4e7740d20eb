package signature

import (
	"encoding/base32"
	"encoding/binary"
	"errors"
)

// versionAccountID is the strkey version byte of ed25519 account ids ("G...")
const versionAccountID byte = 6 << 3

var (
	errStrkeyLength   = errors.New("strkey: invalid length")
	errStrkeyVersion  = errors.New("strkey: invalid version byte")
	errStrkeyChecksum = errors.New("strkey: invalid checksum")
)

var strkeyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// EncodeAccountID renders an ed25519 public key as a Stellar account id
func EncodeAccountID(pub []byte) (string, error) {
	if len(pub) != 32 {
		return "", errStrkeyLength
	}
	raw := make([]byte, 0, 35)
	raw = append(raw, versionAccountID)
	raw = append(raw, pub...)
	raw = binary.LittleEndian.AppendUint16(raw, crc16(raw))
	return strkeyEncoding.EncodeToString(raw), nil
}

// DecodeAccountID returns the ed25519 public key of a Stellar account id
func DecodeAccountID(address string) ([]byte, error) {
	if len(address) != 56 {
		return nil, errStrkeyLength
	}
	raw, err := strkeyEncoding.DecodeString(address)
	if err != nil {
		return nil, err
	}
	if len(raw) != 35 {
		return nil, errStrkeyLength
	}
	if raw[0] != versionAccountID {
		return nil, errStrkeyVersion
	}

	body, sum := raw[:33], raw[33:]
	if binary.LittleEndian.Uint16(sum) != crc16(body) {
		return nil, errStrkeyChecksum
	}
	return body[1:], nil
}

// crc16 is CRC-16/XMODEM
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
