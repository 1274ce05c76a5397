/*
Package security protects IPMI credentials at rest in the coordination
store (spec §6/§7): the node.ipmi blob pkg/keepalive writes and
pkg/fence reads is encrypted with AES-256-GCM rather than stored as
plaintext.

# Cluster Encryption Key

The encryption key is a 32-byte value derived deterministically from
the cluster's own identity, so every node can derive the same key
independently without a separate key-distribution step:

	clusterKey = SHA-256(join(coordinators))

The key lives only in memory; it is never itself written to the
coordination store.

# SecretsManager

SecretsManager wraps AES-256-GCM, the same construction the teacher's
own pkg/security/secrets.go used for user secrets:

	Plaintext → AES-256-GCM → nonce || ciphertext || tag

Each call to Encrypt generates a fresh random nonce, so the same
plaintext never produces the same ciphertext twice. Decrypt verifies
the authentication tag before returning plaintext, so a tampered or
corrupted blob fails closed rather than returning garbage credentials.

# Usage

	secrets, err := security.NewSecretsManagerFromClusterID(strings.Join(cfg.Coordinators, ","))
	if err != nil {
		return err
	}

	// pkg/keepalive.Bootstrap encrypts before the first write:
	encrypted, err := secrets.EncryptIPMIBlob(ipmiBlob)

	// pkg/fence.Executor decrypts before dialing ipmitool:
	plaintext, err := secrets.DecryptIPMIBlob(encrypted)

If secrets is nil, both sides fall back to storing/reading the blob as
plaintext — useful for a single-node test cluster with no configured
coordinator list to derive a key from.

# Threat Model

This protects against an operator or attacker with read access to the
coordination store's on-disk bbolt files but not to a running daemon's
memory. It does not protect against a compromised node process itself,
which holds the key and could recover the plaintext on demand.
*/
package security
