package auth

import (
	"bufio"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/pgvpd/pgvpd/internal/netio"
	"github.com/pgvpd/pgvpd/internal/wire"
)

// scramAuthenticate runs one SCRAM-SHA-256 exchange (RFC 5802) against an
// upstream Postgres that has just sent AuthenticationSASL. The client-first
// message uses the empty-username bare form ("n=,r=<nonce>") since the
// username is already established by the startup message; Postgres does
// not require it to be repeated here.
func scramAuthenticate(conn netio.Conn, r *bufio.Reader, password string) error {
	clientNonce := generateNonce()
	clientFirstBare := "n=," + "r=" + clientNonce
	clientFirstMessage := "n,," + clientFirstBare

	if _, err := conn.Write(wire.BuildSASLInitialResponse("SCRAM-SHA-256", []byte(clientFirstMessage))); err != nil {
		return fmt.Errorf("scram: sending client-first: %w", err)
	}

	serverFirstMsg, err := readOneMessage(r)
	if err != nil {
		return fmt.Errorf("scram: reading server-first: %w", err)
	}
	if serverFirstMsg.IsErrorResponse() {
		return wire.ParseError(serverFirstMsg)
	}
	sub, ok := serverFirstMsg.AuthSubtype()
	if !ok || sub != wire.AuthSASLContinue {
		return fmt.Errorf("scram: expected AuthenticationSASLContinue, got subtype %d", sub)
	}
	serverFirst := string(serverFirstMsg.Payload[4:])

	serverNonce, saltB64, iterations, err := parseServerFirst(serverFirst)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(serverNonce, clientNonce) {
		return fmt.Errorf("scram: server nonce does not extend client nonce")
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return fmt.Errorf("scram: decoding salt: %w", err)
	}

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)
	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))

	clientFinalWithoutProof := "c=biws,r=" + serverNonce
	authMessage := clientFirstBare + "," + serverFirst + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)
	clientFinal := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)

	if _, err := conn.Write(wire.BuildSASLResponse([]byte(clientFinal))); err != nil {
		return fmt.Errorf("scram: sending client-final: %w", err)
	}

	serverFinalMsg, err := readOneMessage(r)
	if err != nil {
		return fmt.Errorf("scram: reading server-final: %w", err)
	}
	if serverFinalMsg.IsErrorResponse() {
		return wire.ParseError(serverFinalMsg)
	}
	if serverFinalMsg.IsAuthOK() {
		// Some servers fold the final verifier into AuthenticationOk.
		return nil
	}
	sub, ok = serverFinalMsg.AuthSubtype()
	if !ok || sub != wire.AuthSASLFinal {
		return fmt.Errorf("scram: expected AuthenticationSASLFinal, got subtype %d", sub)
	}
	serverFinal := string(serverFinalMsg.Payload[4:])

	expectedSig := hmacSHA256(serverKey, []byte(authMessage))
	expectedVerifier := "v=" + base64.StdEncoding.EncodeToString(expectedSig)
	if serverFinal != expectedVerifier {
		return fmt.Errorf("scram: server signature verification failed")
	}
	return nil
}

func parseServerFirst(msg string) (nonce, saltB64 string, iterations int, err error) {
	for _, part := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			saltB64 = part[2:]
		case strings.HasPrefix(part, "i="):
			iterations, err = strconv.Atoi(part[2:])
			if err != nil {
				return "", "", 0, fmt.Errorf("scram: bad iteration count: %w", err)
			}
		}
	}
	if nonce == "" || saltB64 == "" || iterations == 0 {
		return "", "", 0, fmt.Errorf("scram: incomplete server-first-message: %q", msg)
	}
	return nonce, saltB64, iterations, nil
}

func generateNonce() string {
	b := make([]byte, 24)
	rand.Read(b)
	return base64.StdEncoding.EncodeToString(b)
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
