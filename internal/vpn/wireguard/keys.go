package wireguard

import (
	"fmt"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// GeneratePresharedKey - случайный PSK в base64, аналог `wg genpsk`.
func GeneratePresharedKey() (string, error) {
	psk, err := wgtypes.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("generate preshared key: %w", err)
	}
	return psk.String(), nil
}

// PublicKeyOf выводит публичный ключ из приватного.
func PublicKeyOf(privateKey string) (string, error) {
	k, err := wgtypes.ParseKey(privateKey)
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	return k.PublicKey().String(), nil
}
