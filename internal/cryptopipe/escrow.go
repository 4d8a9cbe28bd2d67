package cryptopipe

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// wordlist is a curated mnemonic vocabulary used to give operators a
// human-memorable fingerprint of a generated KEK. The mnemonic is not itself
// secret material and is never sufficient to reconstruct the key; it is
// printed alongside the hex KEK so an operator can visually confirm two
// copies of a key (e.g. primary and cold-storage backup) match.
var wordlist = []string{
	"shadow", "cipher", "vault", "ember", "frost", "onyx",
	"pulse", "storm", "nexus", "drift", "blade", "forge",
	"echo", "raven", "orbit", "crest", "shard", "flare",
	"glyph", "thorn", "viper", "delta", "wraith", "nova",
	"prism", "surge", "helix", "blaze", "talon", "aegis",
	"flux", "abyss", "zenith", "cobalt", "phantom", "dusk",
	"iron", "spark", "tide", "apex", "rune", "obsidian",
	"lunar", "bolt", "veil", "arc", "pyre", "mirage",
	"sigil", "aurora", "tempest", "crimson", "void", "oracle",
	"basalt", "spectre", "titan", "nether", "axion", "quartz",
	"raptor", "fathom", "vector", "mantis", "pyrite", "scarab",
	"vertex", "warden", "nebula", "carbon", "dynamo", "ether",
	"granite", "hydra", "ivory", "jackal", "krypton", "lancer",
	"magnet", "nitro", "omega", "paladin", "quasar", "reflex",
	"silicon", "turret", "umbra", "vulcan", "xenon", "yarrow",
	"zephyr", "amber", "bronze", "chrome", "device", "enigma",
	"falcon", "garnet", "harbor", "indigo", "jasper", "karma",
	"lithium", "matrix", "neptune", "optic", "plasma", "quantum",
	"reactor", "stealth", "thorium", "ultra", "valiant", "wolfram",
	"anchor", "beacon", "cascade", "daemon", "eclipse", "furnace",
	"glacier", "horizon", "impulse", "javelin", "keystone", "lattice",
	"mithril", "nucleus", "oxide", "phoenix", "radiant", "sentinel",
	"trident", "uranium", "venture", "wyvern", "alloy", "binary",
	"conduit", "dagger", "element", "fractal", "gallium", "helios",
	"inferno", "junction", "kinetic", "legacy", "monolith", "neutron",
	"obelisk", "pinnacle", "quiver", "ripple", "solar", "tungsten",
	"unison", "voltage", "whisper", "argon", "bastion", "catalyst",
	"diode", "entropy", "fulcrum", "gamma", "harpoon", "iridium",
	"jolt", "kestrel", "lumen", "meridian", "noctis", "osmium",
	"paradox", "resonance", "stratum", "tundra", "utopia", "vortex",
	"atlas", "borealis", "cortex", "draco", "epoch", "fiber",
	"golem", "haven", "icon", "klaxon", "lever", "morph",
	"nadir", "piston", "quarry", "ridge", "strix", "torque",
	"anvil", "breach", "comet", "equinox", "flint", "grail",
	"iris", "jester", "kraken", "lynx", "mantle", "nomad",
	"outpost", "prowl", "quest", "radon", "slate", "trace",
	"usher", "valve", "wrench", "arrow", "crow", "dune",
	"smelt", "grim", "haze", "ink", "jet", "knot",
	"loom", "mist", "null", "oath", "peak", "quell",
	"rust", "silk", "tusk", "urn", "wane", "yoke",
	"zinc", "bane", "clad", "dirk", "fang", "glint",
	"helm", "jade", "kite", "latch", "mace", "nook",
	"orb", "plume", "raze", "scythe",
}

// GenerateKEKMnemonic generates a fresh 256-bit key-encrypting key and
// renders its first six bytes as a six-word mnemonic fingerprint.
func GenerateKEKMnemonic() (hexKey string, mnemonic string, err error) {
	entropy := make([]byte, 32)
	if _, err := rand.Read(entropy); err != nil {
		return "", "", fmt.Errorf("generate entropy: %w", err)
	}

	hexKey = hex.EncodeToString(entropy)

	words := make([]string, 6)
	for i := 0; i < 6; i++ {
		words[i] = wordlist[int(entropy[i])%len(wordlist)]
	}
	mnemonic = strings.Join(words, " ")

	return hexKey, mnemonic, nil
}

type kekEscrowBlob struct {
	Salt  []byte `json:"salt"`
	Nonce []byte `json:"nonce"`
	Box   []byte `json:"box"`
}

// WrapKEKEscrow wraps the coordinator's KEK (hex-encoded) under an operator
// passphrase so it can be printed or stored offline for disaster recovery.
// The passphrase never touches the KEK directly: it derives a wrapping key
// via Argon2id, which then AES-GCM-seals the KEK bytes.
func WrapKEKEscrow(kekHex, passphrase string) ([]byte, error) {
	kekBytes, err := hex.DecodeString(kekHex)
	if err != nil {
		return nil, fmt.Errorf("decode hex kek: %w", err)
	}

	salt, err := generateSalt()
	if err != nil {
		return nil, err
	}
	wrapKey := deriveFromPassphrase(passphrase, salt)

	block, err := aes.NewCipher(wrapKey)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	box := gcm.Seal(nil, nonce, kekBytes, nil)

	return json.Marshal(kekEscrowBlob{Salt: salt, Nonce: nonce, Box: box})
}

// UnwrapKEKEscrow reverses WrapKEKEscrow, recovering the hex-encoded KEK.
func UnwrapKEKEscrow(passphrase string, escrowJSON []byte) (kekHex string, err error) {
	var blob kekEscrowBlob
	if err := json.Unmarshal(escrowJSON, &blob); err != nil {
		return "", fmt.Errorf("unmarshal escrow: %w", err)
	}

	wrapKey := deriveFromPassphrase(passphrase, blob.Salt)

	block, err := aes.NewCipher(wrapKey)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}

	kekBytes, err := gcm.Open(nil, blob.Nonce, blob.Box, nil)
	if err != nil {
		return "", fmt.Errorf("unwrap escrow: %w", err)
	}

	return hex.EncodeToString(kekBytes), nil
}
