package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// CreditPack is a purchasable bundle of credits.
type CreditPack struct {
	ID       string `mapstructure:"id" json:"id"`
	Name     string `mapstructure:"name" json:"name"`
	Credits  int64  `mapstructure:"credits" json:"credits"`
	Price    int64  `mapstructure:"price" json:"price"` // minor units
	Currency string `mapstructure:"currency" json:"currency"`
	Popular  bool   `mapstructure:"popular" json:"popular"`
}

// EntitlementPlan is a one-time purchase that flips an account flag.
type EntitlementPlan struct {
	ID          string `mapstructure:"id" json:"id"`
	Name        string `mapstructure:"name" json:"name"`
	Price       int64  `mapstructure:"price" json:"price"`
	Currency    string `mapstructure:"currency" json:"currency"`
	Duration    string `mapstructure:"duration" json:"duration"`
	Description string `mapstructure:"description" json:"description"`
}

// Catalog is the hot-reloadable product and policy configuration.
type Catalog struct {
	CreditPacks        []CreditPack      `mapstructure:"creditPacks"`
	EntitlementPlans   []EntitlementPlan `mapstructure:"entitlementPlans"`
	DefaultEntitlement string            `mapstructure:"defaultEntitlement"`
	AdminEmails        []string          `mapstructure:"adminEmails"`
	FreeTools          []string          `mapstructure:"freeTools"`
}

func DefaultCatalog() Catalog {
	return Catalog{
		CreditPacks: []CreditPack{
			{ID: "starter", Name: "Starter Pack", Credits: 50, Price: 9900, Currency: "INR"},
			{ID: "basic", Name: "Basic Pack", Credits: 100, Price: 17900, Currency: "INR"},
			{ID: "pro", Name: "Pro Pack", Credits: 500, Price: 79900, Currency: "INR", Popular: true},
			{ID: "enterprise", Name: "Enterprise Pack", Credits: 1000, Price: 149900, Currency: "INR"},
		},
		EntitlementPlans: []EntitlementPlan{
			{ID: "lifetime", Name: "Lifetime Ad-Free", Price: 9900, Currency: "INR", Duration: "lifetime", Description: "Remove ads forever"},
			{ID: "yearly", Name: "1 Year Ad-Free", Price: 4900, Currency: "INR", Duration: "1 year", Description: "Remove ads for 1 year"},
			{ID: "monthly", Name: "1 Month Ad-Free", Price: 900, Currency: "INR", Duration: "1 month", Description: "Remove ads for 1 month"},
		},
		DefaultEntitlement: "lifetime",
		FreeTools:          []string{"resize", "convert"},
	}
}

// CreditPack returns the pack with the given id.
func (c Catalog) CreditPack(id string) (CreditPack, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, pack := range c.CreditPacks {
		if pack.ID == id {
			return pack, true
		}
	}
	return CreditPack{}, false
}

// EntitlementPlan returns the plan with the given id, or the default plan
// when id is empty.
func (c Catalog) EntitlementPlan(id string) (EntitlementPlan, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		id = c.DefaultEntitlement
	}
	for _, plan := range c.EntitlementPlans {
		if plan.ID == id {
			return plan, true
		}
	}
	return EntitlementPlan{}, false
}

type CatalogHolder struct {
	current atomic.Value // holds Catalog
}

// NewStaticCatalogHolder wraps a fixed catalog, mostly for tests.
func NewStaticCatalogHolder(c Catalog) *CatalogHolder {
	holder := &CatalogHolder{}
	holder.current.Store(normalizeCatalog(c))
	return holder
}

func NewCatalogHolder(log *zap.Logger) (*CatalogHolder, error) {
	log = log.Named("config.catalog")
	v := viper.New()

	v.SetConfigName("catalog")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/creditledger")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CREDITLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultCatalog()
	v.SetDefault("catalog.creditPacks", defaults.CreditPacks)
	v.SetDefault("catalog.entitlementPlans", defaults.EntitlementPlans)
	v.SetDefault("catalog.defaultEntitlement", defaults.DefaultEntitlement)
	v.SetDefault("catalog.freeTools", defaults.FreeTools)
	v.SetDefault("catalog.adminEmails", []string{})

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	var cat Catalog
	if err := v.UnmarshalKey("catalog", &cat); err != nil {
		return nil, err
	}
	if err := validateCatalog(cat); err != nil {
		return nil, err
	}

	holder := &CatalogHolder{}
	holder.current.Store(normalizeCatalog(cat))

	if !fileLoaded {
		log.Info("catalog file not found, using defaults")
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated Catalog
		if err := v.UnmarshalKey("catalog", &updated); err != nil {
			log.Warn("catalog reload failed", zap.Error(err))
			return
		}
		if err := validateCatalog(updated); err != nil {
			log.Warn("invalid catalog ignored", zap.Error(err))
			return
		}
		holder.current.Store(normalizeCatalog(updated))
		log.Info("catalog reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *CatalogHolder) Get() Catalog {
	return h.current.Load().(Catalog)
}

func normalizeCatalog(c Catalog) Catalog {
	for i := range c.CreditPacks {
		c.CreditPacks[i].ID = strings.ToLower(strings.TrimSpace(c.CreditPacks[i].ID))
		c.CreditPacks[i].Currency = strings.ToUpper(strings.TrimSpace(c.CreditPacks[i].Currency))
	}
	for i := range c.EntitlementPlans {
		c.EntitlementPlans[i].ID = strings.ToLower(strings.TrimSpace(c.EntitlementPlans[i].ID))
		c.EntitlementPlans[i].Currency = strings.ToUpper(strings.TrimSpace(c.EntitlementPlans[i].Currency))
	}
	c.DefaultEntitlement = strings.ToLower(strings.TrimSpace(c.DefaultEntitlement))

	admins := make([]string, 0, len(c.AdminEmails))
	for _, email := range c.AdminEmails {
		email = strings.ToLower(strings.TrimSpace(email))
		if email != "" {
			admins = append(admins, email)
		}
	}
	c.AdminEmails = admins

	free := make([]string, 0, len(c.FreeTools))
	for _, tool := range c.FreeTools {
		tool = strings.ToLower(strings.TrimSpace(tool))
		if tool != "" {
			free = append(free, tool)
		}
	}
	c.FreeTools = free
	return c
}

func validateCatalog(c Catalog) error {
	if len(c.CreditPacks) == 0 {
		return errors.New("catalog.creditPacks cannot be empty")
	}
	for _, pack := range c.CreditPacks {
		if strings.TrimSpace(pack.ID) == "" || pack.Credits <= 0 || pack.Price <= 0 {
			return fmt.Errorf("catalog.creditPacks: invalid pack %q", pack.ID)
		}
	}
	for _, plan := range c.EntitlementPlans {
		if strings.TrimSpace(plan.ID) == "" || plan.Price <= 0 {
			return fmt.Errorf("catalog.entitlementPlans: invalid plan %q", plan.ID)
		}
	}
	return nil
}
