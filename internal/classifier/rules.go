package classifier

// Rule scores one capability: every keyword hit in a description adds Weight.
// Multi-word keywords match as phrases.
type Rule struct {
	Capability string   `yaml:"capability" json:"capability"`
	Keywords   []string `yaml:"keywords" json:"keywords"`
	Weight     int      `yaml:"weight" json:"weight"`
}

// DefaultThreshold is the score a capability has to exceed to be selected.
const DefaultThreshold = 1

// DefaultFallback is returned when no rule clears the threshold.
const DefaultFallback = "executive"

// DefaultRules is the built-in rule table. Generic words get weight 1 and
// need a second hit; domain terms get weight 2 and qualify on their own.
var DefaultRules = []Rule{
	{Capability: "product", Weight: 2, Keywords: []string{
		"app", "product", "feature", "features", "mvp", "roadmap", "requirements",
		"user story", "user stories", "prd", "backlog", "prototype",
	}},
	{Capability: "engineering", Weight: 2, Keywords: []string{
		"build", "develop", "implement", "code", "app", "mobile", "api", "backend",
		"frontend", "software", "platform", "website", "database", "integration",
		"deploy", "architecture", "microservice",
	}},
	{Capability: "design", Weight: 2, Keywords: []string{
		"design", "ui", "ux", "interface", "mockup", "wireframe", "app", "mobile",
		"prototype", "branding", "logo", "layout", "user experience",
	}},
	{Capability: "marketing", Weight: 2, Keywords: []string{
		"marketing", "campaign", "seo", "brand", "advertising", "social media",
		"content strategy", "go to market", "launch", "promotion", "audience",
	}},
	{Capability: "finance", Weight: 2, Keywords: []string{
		"budget", "pricing", "revenue", "financial", "forecast", "cost", "costs",
		"investment", "funding", "profit", "accounting", "invoice",
	}},
	{Capability: "legal", Weight: 2, Keywords: []string{
		"legal", "contract", "compliance", "gdpr", "privacy policy", "terms of service",
		"license", "licensing", "regulation", "regulatory", "trademark",
	}},
	{Capability: "qa", Weight: 2, Keywords: []string{
		"test", "testing", "qa", "quality", "bug", "bugs", "regression", "verification",
	}},
	{Capability: "data", Weight: 2, Keywords: []string{
		"analytics", "metrics", "dashboard", "data", "dataset", "machine learning",
		"report", "kpi", "insights",
	}},
	{Capability: "security", Weight: 2, Keywords: []string{
		"security", "vulnerability", "encryption", "authentication", "threat",
		"penetration", "audit",
	}},
	{Capability: "operations", Weight: 1, Keywords: []string{
		"operations", "process", "logistics", "workflow", "supply chain", "rollout",
		"infrastructure", "support", "onboarding",
	}},
	{Capability: "sales", Weight: 2, Keywords: []string{
		"sales", "leads", "pipeline", "crm", "deal", "deals", "prospects", "outreach",
	}},
	{Capability: "hr", Weight: 2, Keywords: []string{
		"hire", "hiring", "recruit", "recruiting", "team structure", "interview",
		"compensation", "culture",
	}},
}
