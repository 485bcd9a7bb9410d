package lexicon

import "github.com/solace-health/vigil/pkg/risk"

// =============================================================================
// SIGNAL LEXICONS BY DOMAIN
// Weights are on a 0-100 raw-score scale. The default threshold boundaries in
// pkg/threshold are seeded against this scale: a single high-weight explicit
// statement lands in HIGH, explicit statement plus immediacy amplifier lands
// in SEVERE or above.
// =============================================================================

// --- SELF-HARM ---
func (r *Registry) registerSelfHarmSignals() {
	d := risk.DomainSelfHarm
	c := ClassIndicator

	// Explicit first-person statements
	r.register("sh_explicit_intent", `(?i)\b(want|going|plan(ning)?)\s+to\s+(kill|hurt|harm)\s+myself\b`, d, c, 80, "Explicit self-harm intent")
	r.register("sh_end_life", `(?i)\bend\s+(my|it)\s+(life|all)\b`, d, c, 75, "Statement about ending life")
	r.register("sh_not_want_to_live", `(?i)\b(don'?t|do\s+not|no\s+longer)\s+want\s+to\s+(live|be\s+alive|wake\s+up|be\s+here)\b`, d, c, 65, "Passive death wish")
	r.register("sh_better_off_dead", `(?i)\bbetter\s+off\s+(dead|without\s+me)\b`, d, c, 60, "Perceived burdensomeness")
	r.register("sh_suicide_direct", `(?i)\b(suicide|suicidal|kill(ing)?\s+myself)\b`, d, c, 55, "Direct suicide reference")
	r.register("sh_self_injury", `(?i)\b(cut(ting)?|burn(ing)?|hurt(ing)?)\s+myself\b`, d, c, 50, "Self-injury reference")
	r.register("sh_method_search", `(?i)\b(how\s+(to|do\s+(i|you))|ways?\s+to)\s+(die|kill\s+myself|end\s+it|overdose)\b`, d, c, 75, "Method-seeking language")
	r.register("sh_goodbye", `(?i)\b(say(ing)?\s+goodbye|final\s+(message|letter)|won'?t\s+(see|hear\s+from)\s+me\s+(again|anymore))\b`, d, c, 55, "Farewell language")
	r.register("sh_giving_away", `(?i)\bgiv(e|ing)\s+(away|all)\s+my\s+(things|stuff|belongings)\b`, d, c, 45, "Giving away possessions")
	r.register("sh_hopeless", `(?i)\b(no\s+(point|reason|way\s+out)|nothing\s+(matters|left)|can'?t\s+(go\s+on|do\s+this\s+anymore|take\s+(it|this)\s+anymore))\b`, d, c, 40, "Hopelessness")
	r.register("sh_burden", `(?i)\b(burden\s+(to|on)\s+(everyone|my|others)|everyone\s+would\s+be\s+better)\b`, d, c, 45, "Burden statements")
	r.register("sh_prior_attempt", `(?i)\b(tried\s+(it|to\s+do\s+it)\s+before|last\s+attempt|attempted\s+(suicide|before))\b`, d, c, 50, "Prior attempt reference")
}

// --- VIOLENCE ---
func (r *Registry) registerViolenceSignals() {
	d := risk.DomainViolence
	c := ClassIndicator

	r.register("vi_explicit_threat", `(?i)\b(want|going|plan(ning)?)\s+to\s+(kill|hurt|attack|shoot|stab)\s+(him|her|them|someone|my)\b`, d, c, 80, "Explicit threat toward another")
	r.register("vi_make_pay", `(?i)\b(make\s+(him|her|them)\s+pay|get\s+(back\s+at|revenge|even)\s*(on|with)?)\b`, d, c, 50, "Revenge language")
	r.register("vi_weapon_access", `(?i)\b(i\s+have\s+a\s+(gun|knife|weapon)|bought\s+a\s+(gun|knife|weapon)|access\s+to\s+a\s+(gun|weapon))\b`, d, c, 65, "Weapon access")
	r.register("vi_deserve_harm", `(?i)\b(deserve(s)?\s+to\s+(die|be\s+hurt|suffer)|wish\s+(he|she|they)\s+(was|were)\s+dead)\b`, d, c, 55, "Dehumanizing harm wish")
	r.register("vi_lose_control", `(?i)\b(afraid\s+i('|'?ll)?\s*(might|will|could)\s+hurt|can'?t\s+control\s+(my\s+)?(anger|rage)|about\s+to\s+(snap|lose\s+it))\b`, d, c, 50, "Loss-of-control fear")
	r.register("vi_plan_detail", `(?i)\b(know(s)?\s+where\s+(he|she|they)\s+(live|work)s?|waiting\s+for\s+(him|her|them)|follow(ing)?\s+(him|her|them))\b`, d, c, 55, "Planning or stalking detail")
}

// --- SUBSTANCE USE ---
func (r *Registry) registerSubstanceUseSignals() {
	d := risk.DomainSubstanceUse
	c := ClassIndicator

	r.register("su_overdose", `(?i)\b(overdose(d)?|took\s+(too\s+many|a\s+(bunch|handful)\s+of)\s+(pills?|tablets?))\b`, d, c, 75, "Overdose reference")
	r.register("su_relapse", `(?i)\b(relapse(d)?|started\s+(using|drinking)\s+again|fell\s+off\s+the\s+wagon)\b`, d, c, 45, "Relapse disclosure")
	r.register("su_cant_stop", `(?i)\bcan'?t\s+stop\s+(drinking|using|taking)\b`, d, c, 50, "Loss of control over use")
	r.register("su_mixing", `(?i)\b(mix(ing|ed)?\s+(pills|alcohol|drugs)|drinking\s+(and|with)\s+(pills|medication))\b`, d, c, 55, "Dangerous combination use")
	r.register("su_numb", `(?i)\b(drink(ing)?|us(e|ing)|get(ting)?\s+high)\s+(to\s+(numb|forget|cope|escape)|until\s+i\s+(pass\s+out|black\s+out))\b`, d, c, 45, "Use as escape/numbing")
	r.register("su_withdrawal", `(?i)\b(withdrawal(s)?|shak(es|ing)\s+without|sick\s+when\s+i\s+(don'?t|stop))\b`, d, c, 40, "Withdrawal symptoms")
}

// --- NEGLECT ---
func (r *Registry) registerNeglectSignals() {
	d := risk.DomainNeglect
	c := ClassIndicator

	r.register("ne_not_eating", `(?i)\b(haven'?t\s+(eaten|had\s+(food|a\s+meal))|stopped\s+eating|not\s+eating)\b`, d, c, 45, "Not eating")
	r.register("ne_not_sleeping", `(?i)\b(haven'?t\s+slept\s+(in|for)|can'?t\s+(sleep|get\s+out\s+of\s+bed)\s+(in|for)\s+days)\b`, d, c, 35, "Severe sleep disruption")
	r.register("ne_hygiene", `(?i)\b(haven'?t\s+(showered|bathed|washed)|stopped\s+(showering|taking\s+care\s+of\s+myself))\b`, d, c, 40, "Self-care collapse")
	r.register("ne_medication", `(?i)\b(stopped\s+(taking\s+)?(my\s+)?med(ication|s)?|haven'?t\s+(taken|refilled)\s+(my\s+)?med)`, d, c, 50, "Medication discontinuation")
	r.register("ne_isolation", `(?i)\b(haven'?t\s+(left|been\s+out(side)?\s+of)\s+(my\s+)?(house|room|apartment|bed)|cut\s+off\s+everyone|not\s+answering\s+anyone)\b`, d, c, 40, "Isolation")
	r.register("ne_dependent_care", `(?i)\b(can'?t\s+take\s+care\s+of\s+(my\s+)?(kids?|children|baby)|left\s+(the\s+)?(kids?|baby)\s+alone)\b`, d, c, 60, "Dependent-care lapse")
}

// --- ABUSE EXPOSURE ---
func (r *Registry) registerAbuseExposureSignals() {
	d := risk.DomainAbuseExposure
	c := ClassIndicator

	r.register("ab_physical", `(?i)\b(hit(s|ting)?|beat(s|ing)?|chok(es|ed|ing)|push(es|ed)|slam(med|s))\s+me\b`, d, c, 65, "Physical abuse disclosure")
	r.register("ab_fear_partner", `(?i)\b(afraid|scared|terrified)\s+of\s+(my\s+)?(partner|husband|wife|boyfriend|girlfriend|dad|mom|father|mother)\b`, d, c, 55, "Fear of household member")
	r.register("ab_threats_against", `(?i)\b(threaten(s|ed|ing)?\s+(to\s+(kill|hurt)\s+)?me|said\s+(he|she|they)('|'?d| would)?\s*(kill|hurt)\s+me)\b`, d, c, 70, "Threats received")
	r.register("ab_controlled", `(?i)\b(won'?t\s+let\s+me\s+(leave|go|see|talk)|takes?\s+my\s+(phone|money|keys)|watch(es|ing)\s+everything\s+i)\b`, d, c, 50, "Coercive control")
	r.register("ab_unsafe_home", `(?i)\b(not\s+safe\s+(at\s+home|here|in\s+my\s+house)|nowhere\s+safe\s+to\s+go|hiding\s+from\s+(him|her|them))\b`, d, c, 60, "Unsafe home environment")
}

// --- CROSS-DOMAIN AMPLIFIERS ---
// Amplifiers only count for domains that already have an indicator hit;
// matching an amplifier alone scores nothing.
func (r *Registry) registerAmplifiers() {
	c := ClassAmplifier

	r.register("amp_immediacy", `(?i)\b(tonight|right\s+now|today|in\s+a\s+few\s+(minutes|hours)|before\s+(morning|midnight)|can'?t\s+wait\s+any\s*longer)\b`, "", c, 20, "Immediacy marker")
	r.register("amp_decided", `(?i)\b((i'?ve|i\s+have)\s+(decided|made\s+up\s+my\s+mind)|it'?s\s+(decided|settled|time))\b`, "", c, 18, "Resolution/decision marker")
	r.register("amp_means", `(?i)\b(i\s+have\s+(the\s+)?(pills|rope|gun|blades?|everything\s+i\s+need)|already\s+(have|got)\s+(what|everything)\s+i\s+need)\b`, "", c, 25, "Means access")
	r.register("amp_alone", `(?i)\b((i'?m|i\s+am|all)\s+alone|no\s+one\s+(is\s+)?(here|around|home)|by\s+myself\s+(tonight|all\s+(day|night|week)))\b`, "", c, 10, "Aloneness marker")
	r.register("amp_final", `(?i)\b(last\s+(time|chance|night)|never\s+again|this\s+is\s+it|one\s+way\s+or\s+another)\b`, "", c, 12, "Finality framing")
}

// --- PROTECTIVE FACTORS ---
// Protective factors never reduce the raw score; the classifier converts
// their presence into a one-step severity modifier bounded by the lexical
// floor.
func (r *Registry) registerProtectiveFactors() {
	c := ClassProtective

	r.register("pf_support_present", `(?i)\b(my\s+(mom|dad|friend|sister|brother|partner|therapist)\s+is\s+(here|with\s+me|coming\s+over)|someone\s+is\s+(here|with\s+me))\b`, "", c, 0, "Support person present")
	r.register("pf_help_seeking", `(?i)\b(want\s+(help|to\s+talk|to\s+get\s+better)|looking\s+for\s+(help|support|someone\s+to\s+talk\s+to)|called\s+(my\s+)?(therapist|counselor|doctor|hotline))\b`, "", c, 0, "Active help-seeking")
	r.register("pf_reasons", `(?i)\b(couldn'?t\s+do\s+(that|it)\s+to\s+(my|them)|my\s+(kids?|children|family|dog|cat)\s+need(s)?\s+me|for\s+my\s+(kids?|family)'?s?\s+sake)\b`, "", c, 0, "Stated reasons for living")
	r.register("pf_safety_plan", `(?i)\b(my\s+safety\s+plan|using\s+(my\s+)?coping\s+(skills|strategies)|grounding\s+(exercise|technique))\b`, "", c, 0, "Safety-plan engagement")
	r.register("pf_future", `(?i)\b(appointment\s+(tomorrow|next\s+week)|looking\s+forward\s+to|next\s+(week|month)\s+i('|'?m| am| will))\b`, "", c, 0, "Future orientation")
}
