// Package sandbox fills a tenant with reproducible demo pharmacy data for
// developer on-boarding and UI demos. Everything goes through the ledger
// services so the generated stock obeys the same rules as real traffic.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hospital/hms/internal/domain/pharmacy"
	"github.com/hospital/hms/internal/domain/prescription"
	"github.com/hospital/hms/internal/platform/apperr"
)

// SeedConfig controls the volume of generated data.
type SeedConfig struct {
	DrugCount                int   `json:"drugCount"`
	BatchesPerDrug           int   `json:"batchesPerDrug"`
	PrescriptionCount        int   `json:"prescriptionCount"`
	DispensesPerPrescription int   `json:"dispensesPerPrescription"`
	Seed                     int64 `json:"seed"`
}

func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		DrugCount:                12,
		BatchesPerDrug:           3,
		PrescriptionCount:        20,
		DispensesPerPrescription: 2,
	}
}

type SeedResult struct {
	Drugs         int           `json:"drugs"`
	Batches       int           `json:"batches"`
	Prescriptions int           `json:"prescriptions"`
	Dispenses     int           `json:"dispenses"`
	Skipped       int           `json:"skippedDispenses"`
	Duration      time.Duration `json:"duration"`
}

// Ledger is the part of the pharmacy service the seeder writes through.
type Ledger interface {
	CreateDrug(ctx context.Context, d *pharmacy.Drug) error
	CreateBatch(ctx context.Context, in pharmacy.CreateBatchInput) (*pharmacy.DrugBatch, error)
	Dispense(ctx context.Context, in pharmacy.DispenseInput) (*pharmacy.DispensedDrug, error)
}

type Prescriber interface {
	Create(ctx context.Context, p *prescription.Prescription) error
}

type catalogEntry struct {
	name, generic, category, strength, unit string
	reorder                                 int
}

var catalog = []catalogEntry{
	{"Amoxil", "Amoxicillin", "Antibiotic", "500 mg", "capsule", 50},
	{"Augmentin", "Amoxicillin/Clavulanate", "Antibiotic", "625 mg", "tablet", 40},
	{"Zithromax", "Azithromycin", "Antibiotic", "250 mg", "tablet", 30},
	{"Panadol", "Paracetamol", "Analgesic", "500 mg", "tablet", 100},
	{"Brufen", "Ibuprofen", "Analgesic", "400 mg", "tablet", 80},
	{"Tramal", "Tramadol", "Analgesic", "50 mg", "capsule", 20},
	{"Glucophage", "Metformin", "Antidiabetic", "850 mg", "tablet", 60},
	{"Lantus", "Insulin glargine", "Antidiabetic", "100 IU/ml", "vial", 10},
	{"Cozaar", "Losartan", "Antihypertensive", "50 mg", "tablet", 40},
	{"Norvasc", "Amlodipine", "Antihypertensive", "5 mg", "tablet", 40},
	{"Losec", "Omeprazole", "Gastrointestinal", "20 mg", "capsule", 50},
	{"Zyrtec", "Cetirizine", "Antihistamine", "10 mg", "tablet", 30},
	{"Ventolin", "Salbutamol", "Respiratory", "100 mcg", "inhaler", 15},
	{"Lipitor", "Atorvastatin", "Lipid-lowering", "20 mg", "tablet", 40},
}

// SeederActor is recorded as the dispenser of generated dispenses.
const SeederActor = "sandbox-seeder"

var suppliers = []string{"MedSupply Co", "PharmaDirect", "HealthLine Distributors", "Apex Wholesale"}

// Generator produces deterministic inputs from a seeded source.
type Generator struct {
	rng *rand.Rand
	now time.Time
}

// NewGenerator seeds the generator; a zero seed picks a time-based one.
func NewGenerator(seed int64, now time.Time) *Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{rng: rand.New(rand.NewSource(seed)), now: now.UTC().Truncate(24 * time.Hour)}
}

func (g *Generator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *Generator) Drug(i int) *pharmacy.Drug {
	c := catalog[i%len(catalog)]
	name := c.name
	if i >= len(catalog) {
		name = fmt.Sprintf("%s %d", c.name, i/len(catalog)+1)
	}
	cost := decimal.NewFromInt(int64(5 + g.rng.Intn(495))).Shift(-2)
	sell := cost.Mul(decimal.RequireFromString("1.35")).Round(2)
	generic, strength := c.generic, c.strength
	return &pharmacy.Drug{
		Name:         name,
		GenericName:  &generic,
		Category:     c.category,
		Strength:     &strength,
		Unit:         c.unit,
		ReorderLevel: c.reorder,
		CostPrice:    &cost,
		SellingPrice: &sell,
	}
}

// Batch spreads expiry dates so the expired, expiring-soon and expiring-later
// report buckets all have members.
func (g *Generator) Batch(d *pharmacy.Drug, seq int) pharmacy.CreateBatchInput {
	var expiry time.Time
	switch g.rng.Intn(6) {
	case 0:
		expiry = g.now.AddDate(0, 0, -(1 + g.rng.Intn(60)))
	case 1:
		expiry = g.now.AddDate(0, 0, 1+g.rng.Intn(30))
	case 2:
		expiry = g.now.AddDate(0, 0, 31+g.rng.Intn(60))
	default:
		expiry = g.now.AddDate(0, 6+g.rng.Intn(30), 0)
	}
	mfg := expiry.AddDate(-(1 + g.rng.Intn(2)), 0, 0)
	supplier := g.pick(suppliers)

	prefix := strings.ToUpper(strings.ReplaceAll(d.Name, " ", ""))
	if len(prefix) > 4 {
		prefix = prefix[:4]
	}
	return pharmacy.CreateBatchInput{
		DrugID:            d.ID,
		BatchNumber:       fmt.Sprintf("%s-%s-%02d", prefix, d.ID.String()[:6], seq),
		Quantity:          20 + g.rng.Intn(281),
		ManufacturingDate: mfg,
		ExpiryDate:        expiry,
		UnitCost:          decimal.NewFromInt(int64(5 + g.rng.Intn(495))).Shift(-2),
		Supplier:          &supplier,
	}
}

func (g *Generator) Prescription(drugIDs []uuid.UUID) *prescription.Prescription {
	n := 1 + g.rng.Intn(2)
	items := make([]uuid.UUID, 0, n)
	for _, i := range g.rng.Perm(len(drugIDs))[:min(n, len(drugIDs))] {
		items = append(items, drugIDs[i])
	}
	dosage := fmt.Sprintf("%d tablet(s)", 1+g.rng.Intn(2))
	freq := g.pick([]string{"once daily", "twice daily", "every 8 hours", "as needed"})
	return &prescription.Prescription{
		PatientID:    uuid.New(),
		PrescriberID: uuid.New(),
		Dosage:       &dosage,
		Frequency:    &freq,
		DrugIDs:      items,
	}
}

type Seeder struct {
	ledger     Ledger
	prescriber Prescriber
	config     SeedConfig
	gen        *Generator
	logger     zerolog.Logger
}

func NewSeeder(ledger Ledger, prescriber Prescriber, config SeedConfig, logger zerolog.Logger) *Seeder {
	return &Seeder{
		ledger:     ledger,
		prescriber: prescriber,
		config:     config,
		gen:        NewGenerator(config.Seed, time.Now()),
		logger:     logger,
	}
}

// Run creates drugs, receives their batches, writes prescriptions and
// dispenses against them. Dispenses that would over-commit a batch are
// skipped and counted.
func (s *Seeder) Run(ctx context.Context) (*SeedResult, error) {
	start := time.Now()
	res := &SeedResult{}

	drugIDs := make([]uuid.UUID, 0, s.config.DrugCount)
	batchesByDrug := make(map[uuid.UUID][]*pharmacy.DrugBatch)
	for i := 0; i < s.config.DrugCount; i++ {
		d := s.gen.Drug(i)
		if err := s.ledger.CreateDrug(ctx, d); err != nil {
			return res, fmt.Errorf("create drug %s: %w", d.Name, err)
		}
		drugIDs = append(drugIDs, d.ID)
		res.Drugs++

		for j := 0; j < s.config.BatchesPerDrug; j++ {
			b, err := s.ledger.CreateBatch(ctx, s.gen.Batch(d, j+1))
			if err != nil {
				return res, fmt.Errorf("create batch for %s: %w", d.Name, err)
			}
			batchesByDrug[d.ID] = append(batchesByDrug[d.ID], b)
			res.Batches++
		}
	}
	if len(drugIDs) == 0 {
		res.Duration = time.Since(start)
		return res, nil
	}

	for i := 0; i < s.config.PrescriptionCount; i++ {
		p := s.gen.Prescription(drugIDs)
		if err := s.prescriber.Create(ctx, p); err != nil {
			return res, fmt.Errorf("create prescription: %w", err)
		}
		res.Prescriptions++

		for j := 0; j < s.config.DispensesPerPrescription; j++ {
			drugID := p.DrugIDs[j%len(p.DrugIDs)]
			batches := batchesByDrug[drugID]
			if len(batches) == 0 {
				continue
			}
			b := batches[s.gen.rng.Intn(len(batches))]
			_, err := s.ledger.Dispense(ctx, pharmacy.DispenseInput{
				PrescriptionID: p.ID,
				BatchID:        b.ID,
				Quantity:       1 + s.gen.rng.Intn(30),
				DispensedBy:    SeederActor,
			})
			switch {
			case err == nil:
				res.Dispenses++
			case errors.Is(err, apperr.ErrInsufficientStock):
				res.Skipped++
			default:
				return res, fmt.Errorf("dispense from %s: %w", b.BatchNumber, err)
			}
		}
	}

	res.Duration = time.Since(start)
	s.logger.Info().
		Int("drugs", res.Drugs).
		Int("batches", res.Batches).
		Int("prescriptions", res.Prescriptions).
		Int("dispenses", res.Dispenses).
		Dur("duration", res.Duration).
		Msg("sandbox data seeded")
	return res, nil
}
