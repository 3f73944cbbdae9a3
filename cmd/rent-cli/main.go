package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"p2prent/native/rental"
	"p2prent/storage"
)

const usage = `rent-cli inspects a rental node's data directory.

Usage:
  rent-cli -data <dir> list              List every escrow instance
  rent-cli -data <dir> show <id>         Show one instance with its held balance
  rent-cli -data <dir> registry          Show the moderator registry
`

func main() {
	dataDir := flag.String("data", "./data", "Path to the node data directory")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	db, err := storage.NewLevelDB(*dataDir)
	if err != nil {
		fatalf("open database: %v", err)
	}
	defer db.Close()
	store := storage.NewStore(db)

	switch args[0] {
	case "list":
		runList(store)
	case "show":
		if len(args) != 2 {
			fatalf("show requires an instance id")
		}
		runShow(store, args[1])
	case "registry":
		runRegistry(store)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

type instanceView struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Rail        string `json:"rail"`
	Lessor      string `json:"lessor"`
	Renter      string `json:"renter"`
	Arbitrator  string `json:"arbitrator"`
	Cost        string `json:"cost"`
	Deposit     string `json:"deposit"`
	RentEndTime int64  `json:"rentEndTime"`
	Paused      bool   `json:"paused"`
	Held        string `json:"held,omitempty"`
}

func view(inst *rental.Instance) instanceView {
	return instanceView{
		ID:          hex.EncodeToString(inst.Terms.ID[:]),
		Status:      inst.Status().String(),
		Rail:        inst.Terms.Rail.String(),
		Lessor:      hex.EncodeToString(inst.Terms.Lessor[:]),
		Renter:      hex.EncodeToString(inst.Terms.Renter[:]),
		Arbitrator:  hex.EncodeToString(inst.Terms.Arbitrator[:]),
		Cost:        inst.Terms.Cost.String(),
		Deposit:     inst.Progress.Deposit.String(),
		RentEndTime: inst.Progress.RentEndTime,
		Paused:      inst.IsPaused(),
	}
}

func runList(store *storage.Store) {
	instances, err := store.RentalList()
	if err != nil {
		fatalf("list rentals: %v", err)
	}
	views := make([]instanceView, 0, len(instances))
	for _, inst := range instances {
		views = append(views, view(inst))
	}
	printJSON(views)
}

func runShow(store *storage.Store, rawID string) {
	decoded, err := hex.DecodeString(strings.TrimPrefix(rawID, "0x"))
	if err != nil || len(decoded) != 32 {
		fatalf("invalid instance id %q", rawID)
	}
	var id [32]byte
	copy(id[:], decoded)
	inst, ok := store.RentalGet(id)
	if !ok {
		fatalf("instance %s not found", rawID)
	}
	v := view(inst)
	held, err := store.RentalHeld(id)
	if err != nil {
		fatalf("held balance: %v", err)
	}
	v.Held = held.String()
	printJSON(v)
}

func runRegistry(store *storage.Store) {
	out := struct {
		Owner      string   `json:"owner,omitempty"`
		Moderators []string `json:"moderators"`
	}{Moderators: []string{}}

	owner, ok, err := store.RegistryOwnerGet()
	if err != nil {
		fatalf("registry owner: %v", err)
	}
	if ok {
		out.Owner = hex.EncodeToString(owner[:])
	}
	mods, err := store.RegistryModeratorsGet()
	if err != nil {
		fatalf("moderators: %v", err)
	}
	for _, mod := range mods {
		out.Moderators = append(out.Moderators, hex.EncodeToString(mod[:]))
	}
	printJSON(out)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatalf("encode: %v", err)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
