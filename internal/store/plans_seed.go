package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SeedResult captures plan seeding stats.
type SeedResult struct {
	Files   int
	Loaded  int
	Skipped int
	Errors  []string
}

// seedFile is one YAML seed document: repositories, plans and the bindings
// between them, referenced by slug and plan name.
type seedFile struct {
	Repositories []seedRepository `yaml:"repositories"`
	Plans        []seedPlan       `yaml:"plans"`
}

type seedRepository struct {
	Owner         string `yaml:"owner"`
	Name          string `yaml:"name"`
	URL           string `yaml:"url"`
	DefaultBranch string `yaml:"default_branch"`
}

type seedPlan struct {
	Name             string        `yaml:"name"`
	Trigger          string        `yaml:"trigger"`
	Regex            string        `yaml:"regex"`
	OrgTemplate      string        `yaml:"org_template"`
	ConcurrencyLimit int           `yaml:"concurrency_limit"`
	Public           bool          `yaml:"public"`
	Repos            []seedBinding `yaml:"repos"`
}

type seedBinding struct {
	Slug string `yaml:"slug"`
	Org  string `yaml:"org"`
}

// SeedPlansFromDir loads YAML plan files from a directory and upserts the
// repositories, plans and bindings they describe.
func SeedPlansFromDir(ctx context.Context, st Store, dir string) (SeedResult, error) {
	var res SeedResult
	if st == nil || dir == "" {
		return res, nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return res, err
	}
	if !info.IsDir() {
		return res, fmt.Errorf("plans path is not a directory: %s", dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return res, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		res.Files++
		data, err := os.ReadFile(path)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", entry.Name(), err))
			continue
		}
		var doc seedFile
		if err := yaml.Unmarshal(data, &doc); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", entry.Name(), err))
			continue
		}
		seedDoc(ctx, st, entry.Name(), doc, &res)
	}
	return res, nil
}

func seedDoc(ctx context.Context, st Store, file string, doc seedFile, res *SeedResult) {
	for _, sr := range doc.Repositories {
		if sr.Owner == "" || sr.Name == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: repository requires owner and name", file))
			res.Skipped++
			continue
		}
		repo := Repository{Owner: sr.Owner, Name: sr.Name, URL: sr.URL, DefaultBranch: sr.DefaultBranch}
		if existing, err := st.GetRepository(ctx, sr.Owner, sr.Name); err == nil {
			repo.ID = existing.ID
		}
		if err := st.PutRepository(ctx, repo); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s:%s/%s: %v", file, sr.Owner, sr.Name, err))
		}
	}
	existingPlans, err := st.ListPlans(ctx)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("%s: list plans: %v", file, err))
		return
	}
	planIDs := make(map[string]string, len(existingPlans))
	for _, pl := range existingPlans {
		planIDs[pl.Name] = pl.ID
	}
	for _, sp := range doc.Plans {
		plan := NormalizePlan(Plan{
			Name:             sp.Name,
			Trigger:          TriggerType(sp.Trigger),
			Regex:            sp.Regex,
			OrgTemplate:      sp.OrgTemplate,
			ConcurrencyLimit: sp.ConcurrencyLimit,
			Active:           true,
			Public:           sp.Public,
		})
		if errs := ValidatePlan(plan); len(errs) > 0 {
			label := plan.Name
			if label == "" {
				label = "unnamed-plan"
			}
			res.Errors = append(res.Errors, fmt.Sprintf("%s:%s: %s", file, label, strings.Join(errs, "; ")))
			res.Skipped++
			continue
		}
		plan.ID = planIDs[plan.Name]
		if err := st.PutPlan(ctx, plan); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s:%s: %v", file, plan.Name, err))
			continue
		}
		if plan.ID == "" {
			stored, err := st.ListPlans(ctx)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("%s:%s: %v", file, plan.Name, err))
				continue
			}
			for _, pl := range stored {
				if pl.Name == plan.Name {
					plan.ID = pl.ID
					break
				}
			}
		}
		res.Loaded++
		for _, sb := range sp.Repos {
			owner, name, ok := strings.Cut(sb.Slug, "/")
			if !ok {
				res.Errors = append(res.Errors, fmt.Sprintf("%s:%s: bad slug %q", file, plan.Name, sb.Slug))
				continue
			}
			repo, err := st.GetRepository(ctx, owner, name)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("%s:%s: repo %s: %v", file, plan.Name, sb.Slug, err))
				continue
			}
			pr := PlanRepository{PlanID: plan.ID, RepositoryID: repo.ID, Org: sb.Org, Active: true}
			if existing, err := st.ListPlanRepositories(ctx, plan.ID); err == nil {
				for _, e := range existing {
					if e.RepositoryID == repo.ID && e.Active {
						pr.ID = e.ID
						break
					}
				}
			}
			if err := st.PutPlanRepository(ctx, pr); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("%s:%s: bind %s: %v", file, plan.Name, sb.Slug, err))
			}
		}
	}
}
