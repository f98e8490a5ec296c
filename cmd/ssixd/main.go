// Command ssixd runs the SSIX blockchain state engine: it opens (or
// rebuilds) the on-disk chain store, replays it into the cache
// hierarchy, and idles serving the core façade until interrupted. The
// P2P and RPC surfaces are external collaborators and not wired here.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	ssixcore "github.com/cybersecuresix/ssixd"
	"github.com/cybersecuresix/ssixd/cache"
	"github.com/cybersecuresix/ssixd/checkpoints"
	"github.com/cybersecuresix/ssixd/core"
	"github.com/cybersecuresix/ssixd/hierarchy"
	"github.com/cybersecuresix/ssixd/kvstore"
	"github.com/cybersecuresix/ssixd/ringsig"
	"github.com/cybersecuresix/ssixd/rlimit"
)

func main() {
	dataDir := flag.String("data", "ssixd-data", "Chain database directory")
	testNet := flag.Bool("testnet", false, "Use testnet parameters")
	checkpointCSV := flag.String("checkpoints", "", "/path/to/checkpoints.csv")
	checkpointDNS := flag.String("checkpoint-dns", "", "Comma-separated DNS names serving checkpoint TXT records")
	maxAltDepth := flag.Uint64("max-alt-depth", 720, "Deepest alternative branch kept in memory")
	rewindTo := flag.Int64("rewind", -1, "Pop canonical blocks down to this height, then continue")

	flag.Parse()

	if err := run(*dataDir, *testNet, *checkpointCSV, *checkpointDNS, *maxAltDepth, *rewindTo); err != nil {
		log.Printf("Fatal: %v", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func run(dataDir string, testNet bool, checkpointCSV, checkpointDNS string, maxAltDepth uint64, rewindTo int64) error {
	if err := rlimit.SetRLimit(1024); err != nil { // LevelDb opens many files!
		log.Printf("Error setting rlimit: %v", err)
	}

	builder := ssixcore.NewCurrencyBuilder()
	if testNet {
		builder.Testnet()
	}
	currency := builder.Build()

	store, schemaVer, err := kvstore.Open(dataDir)
	if err != nil {
		return err
	}
	if schemaVer != 0 && schemaVer != kvstore.CurrentSchemaVersion() {
		log.Printf("Schema version %d on disk, this build expects %d: wiping %s.", schemaVer, kvstore.CurrentSchemaVersion(), dataDir)
		store.Close()
		if err := os.RemoveAll(dataDir); err != nil {
			return err
		}
		if store, _, err = kvstore.Open(dataDir); err != nil {
			return err
		}
	}
	defer store.Close()
	if err := store.StampSchema(); err != nil {
		return err
	}

	cps := checkpoints.New()
	if checkpointCSV != "" {
		f, err := os.Open(checkpointCSV)
		if err != nil {
			return err
		}
		err = cps.LoadFromCSV(f)
		f.Close()
		if err != nil {
			return err
		}
	}
	if checkpointDNS != "" {
		if err := cps.LoadFromDNS(strings.Split(checkpointDNS, ",")); err != nil {
			log.Printf("DNS checkpoint load failed: %v", err)
		}
	}

	root := cache.NewRoot(store)
	if err := root.LoadFromStore(replayDecoder(currency)); err != nil {
		return err
	}
	log.Printf("Replayed %d blocks from %s.", root.LocalBlockCount(), dataDir)

	h := hierarchy.New(root, cps, maxAltDepth)
	c := core.New(core.Config{Currency: currency, Hierarchy: h})

	if !root.HasAnyBlock() {
		blob, err := ssixcore.EncodeBinary(currency.Genesis)
		if err != nil {
			return err
		}
		if _, err := c.SubmitBlock(currency.Genesis, nil, &ssixcore.RawBlock{BlockBlob: blob}); err != nil {
			return err
		}
		log.Printf("Chain initialized at genesis.")
	}

	if rewindTo >= 0 {
		if err := c.Rewind(uint64(rewindTo)); err != nil {
			return err
		}
		log.Printf("Rewound canonical chain to height %d.", rewindTo)
	}

	info := c.GetInfo()
	log.Printf("%s chain at height %d, cumulative difficulty %d.", currency.Name, info.Height, info.CumulativeDifficulty)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	signal.Stop(sigCh)

	log.Printf("Shutting down.")
	c.Shutdown()
	return nil
}

// replayDecoder rebuilds the derived per-block running totals while
// replaying persisted raw blocks in height order. The raw records only
// carry bytes; difficulty deltas are re-projected the same way block
// acceptance projected them (fixed at 1 absent a retarget function).
func replayDecoder(currency *ssixcore.Currency) func(raw []byte) (cache.DecodedBlock, error) {
	var prevDifficulty, prevSize, prevCoins uint64
	var height uint64
	return func(rawBytes []byte) (cache.DecodedBlock, error) {
		var raw ssixcore.RawBlock
		if err := ssixcore.DecodeBinary(rawBytes, &raw); err != nil {
			return cache.DecodedBlock{}, err
		}
		block, txs, err := ssixcore.DecodeRawBlock(&raw)
		if err != nil {
			return cache.DecodedBlock{}, err
		}
		blockHash, err := block.Hash(ringsig.Hash)
		if err != nil {
			return cache.DecodedBlock{}, err
		}
		coinbaseHash, err := block.CoinbaseTx.Hash(ringsig.Hash)
		if err != nil {
			return cache.DecodedBlock{}, err
		}
		size := uint64(len(raw.BlockBlob))
		for _, b := range raw.TxBlobs {
			size += uint64(len(b))
		}

		prevDifficulty++
		prevSize += size
		prevCoins += currency.Emission(height, prevCoins)
		height++

		return cache.DecodedBlock{
			Block:                block,
			Txs:                  txs,
			Hash:                 blockHash,
			CoinbaseHash:         coinbaseHash,
			CumulativeDifficulty: prevDifficulty,
			CumulativeSize:       prevSize,
			GeneratedCoins:       prevCoins,
		}, nil
	}
}
