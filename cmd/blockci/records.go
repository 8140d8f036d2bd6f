package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"blockci/internal/app"
	"blockci/internal/blockchain"
	"blockci/internal/core"
	"blockci/internal/runstore"
	"blockci/internal/security"
)

// RunsCmd queries the run store.
type RunsCmd struct {
	List RunsListCmd `cmd:"" default:"withargs" help:"List recent runs"`
	Show RunsShowCmd `cmd:"" help:"Show one run record"`
}

type RunsListCmd struct {
	Job    string `help:"Only runs of this job"`
	Status string `help:"Only runs with this status (succeeded, failed, ...)"`
	Limit  int    `help:"Maximum number of runs" default:"20"`
	JSON   bool   `help:"Print as JSON"`
}

func (l *RunsListCmd) Run(g *Global, cli *CLI) error {
	store, err := openRunStore(cli)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(g.ctx, runstore.Query{Job: l.Job, Status: core.JobStatus(l.Status), Limit: l.Limit})
	if err != nil {
		return err
	}
	if l.JSON {
		if runs == nil {
			runs = []runstore.Summary{}
		}
		return printJSON(os.Stdout, runs)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}
	printSummaries(os.Stdout, runs)
	return nil
}

type RunsShowCmd struct {
	ID   string `arg:"" help:"Run ID"`
	JSON bool   `help:"Print as JSON"`
}

func (s *RunsShowCmd) Run(g *Global, cli *CLI) error {
	store, err := openRunStore(cli)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.GetRun(g.ctx, s.ID)
	if errors.Is(err, runstore.ErrNotFound) {
		return fmt.Errorf("run %s not found", s.ID)
	}
	if err != nil {
		return err
	}
	if s.JSON {
		return printJSON(os.Stdout, rec)
	}
	fmt.Printf("Run %s of %s/%s, %s event ref %q\n", rec.ID, rec.Pipeline, rec.Job, rec.Event.Kind, rec.Event.Ref)
	printRecords(os.Stdout, []*core.RunRecord{rec}, nil)
	for _, c := range rec.Containers {
		for _, co := range c.Caches {
			fmt.Printf("cache %s/%s key=%s restore=%s save=%s\n", c.Name, co.Path, co.Key, co.Restore, co.Save)
		}
		for _, art := range c.Artifacts {
			fmt.Printf("artifact %s %s@%s %s\n", c.Name, art.Path, art.Version, art.Digest)
		}
	}
	return nil
}

func openRunStore(cli *CLI) (runstore.Store, error) {
	cfg, err := cli.loadConfig()
	if err != nil {
		return nil, err
	}
	return app.OpenRunStore(cfg.Runs)
}

// LedgerCmd reads the signed run ledger.
type LedgerCmd struct {
	Path string `help:"Ledger file, defaults to the configured one" type:"path"`

	Inspect LedgerInspectCmd `cmd:"" default:"withargs" help:"List ledger blocks"`
	Verify  LedgerVerifyCmd  `cmd:"" help:"Verify hashes, links and signatures"`
	Tamper  LedgerTamperCmd  `cmd:"" hidden:"" help:"Corrupt a block, to demonstrate verification"`
}

func (l *LedgerCmd) open(cli *CLI) (*blockchain.Ledger, error) {
	path := l.Path
	if path == "" {
		cfg, err := cli.loadConfig()
		if err != nil {
			return nil, err
		}
		path = cfg.Ledger.Path
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return blockchain.OpenLedger(path)
}

type LedgerInspectCmd struct {
	RunID string `name:"run" help:"Only blocks of this run"`
	JSON  bool   `help:"Print as JSON"`
}

func (i *LedgerInspectCmd) Run(parent *LedgerCmd, cli *CLI) error {
	ledger, err := parent.open(cli)
	if err != nil {
		return err
	}
	blocks := ledger.Blocks()
	if i.RunID != "" {
		blocks = ledger.RunBlocks(i.RunID)
	}
	if i.JSON {
		if blocks == nil {
			blocks = []*blockchain.Block{}
		}
		return printJSON(os.Stdout, blocks)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tRUN\tJOB\tCONTAINER\tSTATUS\tEXIT\tHASH")
	for _, b := range blocks {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
			b.Index, b.RunID, b.Job, b.Container, b.Status, b.ExitCode, shortHash(b.Hash))
	}
	return tw.Flush()
}

type LedgerVerifyCmd struct {
	Key string `help:"Trusted public key (hex); defaults to the configured key directory"`
}

func (v *LedgerVerifyCmd) Run(parent *LedgerCmd, cli *CLI) error {
	ledger, err := parent.open(cli)
	if err != nil {
		return err
	}
	trusted := v.Key
	if trusted == "" {
		cfg, err := cli.loadConfig()
		if err != nil {
			return err
		}
		if pub, err := security.LoadPublicKey(filepath.Join(cfg.Ledger.KeyDir, security.PublicKeyFile)); err == nil {
			trusted = security.KeyPair{Public: pub}.PublicHex()
		}
	}
	if err := ledger.VerifyChain(trusted); err != nil {
		return fmt.Errorf("ledger verification failed: %w", err)
	}
	if trusted == "" {
		fmt.Printf("Ledger OK: %d block(s), tip %s, signatures checked against embedded keys only\n", ledger.NextIndex(), shortHash(ledger.LastHash()))
		return nil
	}
	fmt.Printf("Ledger OK: %d block(s), tip %s, signed by %s\n", ledger.NextIndex(), shortHash(ledger.LastHash()), shortHash(trusted))
	return nil
}

type LedgerTamperCmd struct {
	Index int `arg:"" help:"Block index to corrupt"`
}

func (t *LedgerTamperCmd) Run(parent *LedgerCmd, cli *CLI) error {
	ledger, err := parent.open(cli)
	if err != nil {
		return err
	}
	blocks := ledger.Blocks()
	if t.Index < 0 || t.Index >= len(blocks) {
		return fmt.Errorf("invalid block index %d", t.Index)
	}
	blocks[t.Index].LogHash = strings.Repeat("0", 64)

	f, err := os.Create(ledger.Path())
	if err != nil {
		return fmt.Errorf("failed to reopen ledger: %w", err)
	}
	defer f.Close()
	for _, b := range blocks {
		if err := printCompactJSON(f, b); err != nil {
			return fmt.Errorf("failed to rewrite ledger: %w", err)
		}
	}
	fmt.Printf("Tampered block %d (log hash zeroed)\n", t.Index)
	return nil
}

// KeygenCmd creates the ed25519 key pair that signs ledger blocks.
type KeygenCmd struct {
	Dir   string `help:"Key directory, defaults to the configured one" type:"path"`
	Force bool   `help:"Replace an existing key pair"`
}

func (k *KeygenCmd) Run(cli *CLI) error {
	dir := k.Dir
	if dir == "" {
		cfg, err := cli.loadConfig()
		if err != nil {
			return err
		}
		dir = cfg.Ledger.KeyDir
	}
	privPath := filepath.Join(dir, security.PrivateKeyFile)
	if _, err := os.Stat(privPath); err == nil && !k.Force {
		return fmt.Errorf("%s already exists, use --force to replace it", privPath)
	}

	pub, priv, err := security.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("keygen error: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if err := security.SaveKeyPair(pub, priv, filepath.Join(dir, security.PublicKeyFile), privPath); err != nil {
		return err
	}
	fmt.Printf("Wrote key pair to %s\npublic key: %s\n", dir, security.KeyPair{Public: pub, Private: priv}.PublicHex())
	return nil
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
