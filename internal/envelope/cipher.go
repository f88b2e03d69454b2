package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

var (
	eapiKey  = []byte("e82ckenh8dichen8")
	linuxKey = []byte("rFgB&h#%2?^eDg:Q")
)

// ecbEncrypt encrypts plain with AES in ECB mode after PKCS#7 padding.
func ecbEncrypt(key, plain []byte) []byte {
	block, err := aes.NewCipher(key)
	if err != nil {
		// keys are fixed 16-byte constants
		panic(err)
	}
	bs := block.BlockSize()
	padded := pkcs7Pad(plain, bs)
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += bs {
		block.Encrypt(out[i:i+bs], padded[i:i+bs])
	}
	return out
}

func ecbDecrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	if len(ciphertext) == 0 || len(ciphertext)%bs != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrMalformed, len(ciphertext))
	}
	out := make([]byte, len(ciphertext))
	for i := 0; i < len(ciphertext); i += bs {
		block.Decrypt(out[i:i+bs], ciphertext[i:i+bs])
	}
	return pkcs7Unpad(out, bs)
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(bytes.Clone(b), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrMalformed)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrMalformed)
		}
	}
	return b[:len(b)-n], nil
}

// MD5Hex returns the lower-case hex MD5 digest of s.
func MD5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// EncryptResponse encrypts a response body the way the EAPI client expects
// when it asked for an encrypted response.
func EncryptResponse(plain []byte) []byte {
	return ecbEncrypt(eapiKey, plain)
}

// DecryptResponse reverses EncryptResponse.
func DecryptResponse(ciphertext []byte) ([]byte, error) {
	return ecbDecrypt(eapiKey, ciphertext)
}
