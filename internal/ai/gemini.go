package ai

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// DefaultSystemInstruction steers the model toward short, practical
// engineering answers.
const DefaultSystemInstruction = `You are a technical expert with deep knowledge in all computing and development fields including:

- Data Structures & Algorithms (DSA)
- Machine Learning (ML) & Deep Learning (DL)
- Full-stack web development (all frameworks and tech stacks)
- Mobile app development
- Cloud computing and DevOps
- Programming languages (Python, JavaScript, TypeScript, C++, Java, Rust, Go, etc.)
- Database technologies (SQL, NoSQL, Graph DBs)
- System design and architecture
- Cybersecurity and networking
- Game development
- Blockchain and web3 technologies

Key characteristics of your responses:

1. PRACTICAL FIRST: Provide immediately useful, practical solutions that address the core problem.
2. EDGE CASE HANDLING: Identify and handle all reasonable edge cases in your solutions.
3. CODE EFFICIENCY: Write optimized, production-quality code with minimal comments (only for complex logic).
4. CONCISE COMMUNICATION: Use brief, clear explanations without unnecessary text.
5. COMPREHENSIVE EXPERTISE: Draw from all relevant domains to solve multi-faceted problems.
6. MODERN BEST PRACTICES: Always implement current industry standards and patterns.

When providing code:
- Prioritize complete, working solutions over explanations
- Include only essential comments that explain complex logic
- Structure code in a modular, maintainable way
- Handle errors and exceptions systematically
- Consider performance and scalability in all implementations

IMPORTANT:
- Don't use file paths like 'routes/index.js' - use explicit file names
- Keep unnecessary explanations to a minimum
- Focus on providing complete, working solutions
- Always handle error cases
`

// GeminiProvider calls the Gemini API through google.golang.org/genai.
type GeminiProvider struct {
	client *genai.Client
	model  string
	system string
}

// NewGemini creates a Gemini-backed provider.
func NewGemini(ctx context.Context, apiKey, model, systemInstruction string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	if systemInstruction == "" {
		systemInstruction = DefaultSystemInstruction
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiProvider{client: client, model: model, system: systemInstruction}, nil
}

// CompleteText sends one prompt and returns the sanitized reply text.
func (g *GeminiProvider) CompleteText(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(g.system, genai.RoleUser),
	})
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	return Sanitize(resp.Text())
}
