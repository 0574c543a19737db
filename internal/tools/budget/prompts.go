package budget

import "RelayAgent/internal/prompt"

var (
	decomposeTemplate = prompt.Template{JSONMode: true, Text: `You split a spending or income instruction into independent transactions.
Return JSON: {"items": ["<one transaction per item, in the user's words>"]}.
Keep each item self contained. If there is only one transaction return a single item.`}

	amountTemplate = prompt.Template{JSONMode: true, Text: `You extract the amount of a single transaction.
Today is {{.Today}}.
Return JSON: {"amount": <positive number>, "inflow": <true if money was received>, "date": "YYYY-MM-DD", "memo": "<short memo>"}.`}

	partiesTemplate = prompt.Template{JSONMode: true, Text: `You identify the accounts involved in a single transaction.
Known accounts:
{{.Accounts}}
Default account when none is named: {{.DefaultAccount}}
Return JSON: {"account": "<source account name>", "payee": "<merchant or person>", "transfer_account": "<account name if the money moved between known accounts, else empty>"}.`}

	categoryTemplate = prompt.Template{JSONMode: true, Text: `You pick the budget category for a single spending transaction.
Categories:
{{.Categories}}
Return JSON: {"category": "<one of the categories above>"}.`}
)
