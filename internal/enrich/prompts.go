package enrich

import "strings"

// Prompts are shared by every provider so that switching backends keeps output stable.
// Keep them public-safe: no secrets, and no PII beyond the lead fields being processed.

func SearchPrompt(in SearchInput) string {
	in = in.Normalized()
	return strings.TrimSpace(`
You are a world-class lead generation expert. Find a comprehensive list of business leads for the given industries and location.

Instructions:
1. Use search to find as many businesses as possible. Search for variations of the industry terms.
2. Aim for at least 100 high-quality leads.
3. For each lead include its name, full address, phone number (if available), and website URL (if available).

Return ONLY a single JSON object with the key "leads": an array of objects with keys
name (string), address (string), phone (string), website (string).
If you cannot find a field, set it to an empty string.

Industries: ` + strings.Join(in.Industries, ", ") + `
Location: ` + in.Location + `
`)
}

func EnrichPrompt(in EnrichInput) string {
	return strings.TrimSpace(`
You are a data enrichment tool. Given the following lead information, use web search and URL context to find additional public details about the company and its owner.

Lead Name: ` + in.Name + `
Company: ` + in.Company + `
Location: ` + in.Location + `
Website: ` + in.Website + `

Return ONLY a single JSON object with these keys:
website, industry, productServiceCategory, businessType (B2B, B2C or B2B2C), employeesCount (number),
revenue, yearFounded (number), bbbRating, street, city, state, companyPhone, companyLinkedIn,
ownerFirstName, ownerLastName, ownerTitle, ownerLinkedIn, ownerPhoneNumber, ownerEmail,
source, createdDate, updatedDate, coordinates (object with latitude and longitude numbers).

Rules:
- Use the website as a starting point when present. Otherwise search online.
- If you cannot find a field, leave it empty or omit it.
- Do not include extra keys.
`)
}

func ScorePrompt(in ScoreInput) string {
	return strings.TrimSpace(`
You are an expert lead scorer. Given the following lead details and scoring prompt, provide a score and reasoning.

Lead Details:
` + in.LeadDetails + `

Scoring Prompt: ` + in.Rubric + `

Return ONLY a single JSON object with the keys score (number from 0 to 100) and reason (string).
`)
}

func EmailCopyPrompt(in EmailCopyInput) string {
	return strings.TrimSpace(`
You are an expert copywriter specializing in cold outreach emails. Write a compelling and professional email.

Instructions:
1. Personalize the email with the lead details. Address the recipient by first name if available.
2. Write the email for the stated goal.
3. Keep the body concise, professional, and engaging.
4. The subject line should be catchy and relevant.

Lead Details:
` + in.LeadDetails + `

Email Goal:
` + in.Goal + `

Return ONLY a single JSON object with the keys subject (string) and body (string).
`)
}
