package scanning

// customerExtractionPrompt is the shared prompt used by all model providers
const customerExtractionPrompt = `You are looking at a screenshot of a back-office customer list. Read every customer row visible in the image and extract the following fields for each one:

1. **full_name**: The customer's full name exactly as shown.

2. **email**: The customer's email address.

3. **customer_type**: One of "retail", "wholesale" or "advocates".
   - Retail Customer, Preferred Customer, PC or R means "retail"
   - Wholesale Customer, WC or W means "wholesale"
   - Wellness Advocate, Business Builder, WA or A means "advocates"

4. **country_code**: The three letter ISO country code (e.g. "USA", "CAN", "GBR"). Use "USA" if no country is shown.

5. **language**: The customer's preferred language code (e.g. "en", "es", "fr") if shown.

Return ONLY a valid JSON array in this exact format:
[
  {
    "full_name": "Jane Doe",
    "email": "jane@example.com",
    "customer_type": "retail",
    "country_code": "USA",
    "language": "en"
  }
]

Important:
- Include one object per customer row, in the order they appear
- If a field is not visible for a customer, use null for that field
- If there are no customers in the image, return []
- Do not include any text before or after the JSON
- Do not use markdown code blocks`
